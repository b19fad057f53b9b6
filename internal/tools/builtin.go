// ABOUTME: Built-in tools that execute in-process: calculator, current_time and web_search
// ABOUTME: Arguments are read with gjson; the calculator evaluates exactly with go/constant

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var calculatorSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"expression": map[string]any{
			"type":        "string",
			"description": "Arithmetic expression using + - * / % and parentheses",
		},
	},
	"required": []string{"expression"},
}

// Calculator evaluates arithmetic expressions.
func Calculator() Capability {
	return Func(Definition{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression exactly",
		Parameters:  calculatorSchema,
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		expr := gjson.GetBytes(args, "expression")
		if !expr.Exists() || strings.TrimSpace(expr.String()) == "" {
			return "", errors.New("expression is required")
		}
		return Evaluate(expr.String())
	})
}

// Evaluate computes an arithmetic expression and formats the result.
// Integral results print without a fraction.
func Evaluate(expr string) (string, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return "", fmt.Errorf("parsing expression: %w", err)
	}
	v, err := eval(node)
	if err != nil {
		return "", err
	}
	if i := constant.ToInt(v); i.Kind() == constant.Int {
		return i.ExactString(), nil
	}
	f, _ := constant.Float64Val(v)
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func eval(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		v := constant.MakeFromLiteral(n.Value, n.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, fmt.Errorf("malformed number %s", n.Value)
		}
		return v, nil

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.UnaryExpr:
		if n.Op != token.ADD && n.Op != token.SUB {
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		return constant.UnaryOp(n.Op, x, 0), nil

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD, token.SUB, token.MUL:
			return constant.BinaryOp(x, n.Op, y), nil
		case token.QUO:
			if constant.Sign(y) == 0 {
				return nil, errors.New("division by zero")
			}
			return constant.BinaryOp(x, n.Op, y), nil
		case token.REM:
			xi, yi := constant.ToInt(x), constant.ToInt(y)
			if xi.Kind() != constant.Int || yi.Kind() != constant.Int {
				return nil, errors.New("modulo needs integer operands")
			}
			if constant.Sign(yi) == 0 {
				return nil, errors.New("division by zero")
			}
			return constant.BinaryOp(xi, n.Op, yi), nil
		default:
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}

	default:
		return nil, fmt.Errorf("unsupported expression %T", node)
	}
}

// CurrentTime reports the current time, optionally in an IANA timezone.
// A nil now uses time.Now.
func CurrentTime(now func() time.Time) Capability {
	if now == nil {
		now = time.Now
	}
	return Func(Definition{
		Name:        "current_time",
		Description: "Get the current date and time",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name such as Europe/Paris, defaults to UTC",
				},
			},
		},
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		loc := time.UTC
		if tz := gjson.GetBytes(args, "timezone").String(); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", tz)
			}
			loc = l
		}
		return now().In(loc).Format(time.RFC1123Z), nil
	})
}

// SearchConfig configures the web_search tool.
type SearchConfig struct {
	Endpoint   string // SearXNG base URL
	MaxResults int
	Client     *http.Client
}

// WebSearch queries a SearXNG instance and summarizes the top results.
func WebSearch(cfg SearchConfig) Capability {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")

	return Func(Definition{
		Name:        "web_search",
		Description: "Search the web and return the top results",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		query := strings.TrimSpace(gjson.GetBytes(args, "query").String())
		if query == "" {
			return "", errors.New("query is required")
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("format", "json")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/search?"+params.Encode(), nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := cfg.Client.Do(req)
		if err != nil {
			return "", fmt.Errorf("search request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return "", fmt.Errorf("reading search response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("search returned HTTP %d", resp.StatusCode)
		}
		if !gjson.ValidBytes(body) {
			return "", errors.New("search returned malformed JSON")
		}

		var b strings.Builder
		n := 0
		gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
			n++
			fmt.Fprintf(&b, "%d. %s\n   %s\n", n, r.Get("title").String(), r.Get("url").String())
			if content := strings.TrimSpace(r.Get("content").String()); content != "" {
				fmt.Fprintf(&b, "   %s\n", content)
			}
			return n < cfg.MaxResults
		})
		if n == 0 {
			return fmt.Sprintf("No results for %q.", query), nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
}
