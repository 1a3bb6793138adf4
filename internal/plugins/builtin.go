package plugins

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/xela07ax/toolgate/internal/domain"
	"go.uber.org/zap"
)

// Builtins — встроенные демонстрационные инструменты, чтобы шлюз
// можно было прогнать end-to-end без внешних коннекторов.
func Builtins() []Plugin {
	return []Plugin{&Calculator{}, &DateTime{}, &Echo{}}
}

// Calculator вычисляет арифметические выражения: + - * / ^, скобки, sqrt().
type Calculator struct {
	logger *zap.Logger
}

func (c *Calculator) ID() string   { return "calculator" }
func (c *Calculator) Name() string { return "Calculator" }
func (c *Calculator) Description() string {
	return "Evaluate arithmetic expressions. Supports + - * / ^, parentheses and sqrt()."
}
func (c *Calculator) Capabilities() []domain.Capability { return []domain.Capability{} }

func (c *Calculator) Initialize(_ context.Context, env Env) error {
	c.logger = env.Logger
	return nil
}

func (c *Calculator) Destroy() {}

func (c *Calculator) Execute(_ context.Context, input string) (Result, error) {
	start := time.Now()
	v, err := evalExpression(input)
	if err != nil {
		return Fail("calculation failed: "+err.Error(), time.Since(start)), nil
	}
	return OK(strconv.FormatFloat(v, 'g', -1, 64), time.Since(start)), nil
}

// exprParser — рекурсивный спуск:
// expr := term (('+'|'-') term)*
// term := power (('*'|'/') power)*
// power := unary ('^' power)?
// unary := '-' unary | primary
// primary := number | '(' expr ')' | 'sqrt' '(' expr ')'
type exprParser struct {
	s   string
	pos int
}

func evalExpression(s string) (float64, error) {
	p := &exprParser{s: strings.ToLower(s)}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.s) {
		return 0, fmt.Errorf("unexpected %q at %d", p.s[p.pos:], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *exprParser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *exprParser) term() (float64, error) {
	v, err := p.power()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			v *= r
		case '/':
			p.pos++
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= r
		default:
			return v, nil
		}
	}
}

func (p *exprParser) power() (float64, error) {
	base, err := p.unary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.power()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) unary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.unary()
		return -v, err
	}
	return p.primary()
}

func (p *exprParser) primary() (float64, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case strings.HasPrefix(p.s[p.pos:], "sqrt"):
		p.pos += len("sqrt")
		if p.peek() != '(' {
			return 0, fmt.Errorf("sqrt requires parentheses")
		}
		v, err := p.primary()
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(v), nil
	case c == '.' || unicode.IsDigit(rune(c)):
		start := p.pos
		for p.pos < len(p.s) && (p.s[p.pos] == '.' || unicode.IsDigit(rune(p.s[p.pos]))) {
			p.pos++
		}
		return strconv.ParseFloat(p.s[start:p.pos], 64)
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected character %q", c)
	}
}

// DateTime отвечает на "now", "now <IANA zone>", "add <n> days|hours|minutes", "diff YYYY-MM-DD".
type DateTime struct {
	now func() time.Time
}

func (d *DateTime) ID() string   { return "datetime" }
func (d *DateTime) Name() string { return "Date & Time" }
func (d *DateTime) Description() string {
	return "Current date/time, timezone conversion and date arithmetic. Commands: now, now UTC, add 5 days, diff 2024-01-01"
}
func (d *DateTime) Capabilities() []domain.Capability { return []domain.Capability{} }

func (d *DateTime) Initialize(context.Context, Env) error {
	if d.now == nil {
		d.now = time.Now
	}
	return nil
}

func (d *DateTime) Destroy() {}

func (d *DateTime) Execute(_ context.Context, input string) (Result, error) {
	start := time.Now()
	out, err := d.handle(strings.Fields(strings.TrimSpace(input)))
	if err != nil {
		return Fail("datetime operation failed: "+err.Error(), time.Since(start)), nil
	}
	return OK(out, time.Since(start)), nil
}

func (d *DateTime) handle(args []string) (string, error) {
	now := d.now()
	if len(args) == 0 {
		return now.Format(time.RFC3339), nil
	}

	switch strings.ToLower(args[0]) {
	case "now":
		if len(args) > 1 {
			loc, err := time.LoadLocation(args[1])
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", args[1])
			}
			now = now.In(loc)
		}
		return now.Format(time.RFC3339), nil

	case "add", "subtract":
		if len(args) < 3 {
			return "", fmt.Errorf("usage: add <n> days|hours|minutes")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("invalid amount %q", args[1])
		}
		if strings.EqualFold(args[0], "subtract") {
			n = -n
		}
		switch strings.TrimSuffix(strings.ToLower(args[2]), "s") {
		case "day":
			return now.AddDate(0, 0, n).Format(time.RFC3339), nil
		case "hour":
			return now.Add(time.Duration(n) * time.Hour).Format(time.RFC3339), nil
		case "minute":
			return now.Add(time.Duration(n) * time.Minute).Format(time.RFC3339), nil
		default:
			return "", fmt.Errorf("unknown unit %q", args[2])
		}

	case "diff":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: diff YYYY-MM-DD")
		}
		then, err := time.Parse(time.DateOnly, args[1])
		if err != nil {
			return "", fmt.Errorf("invalid date %q", args[1])
		}
		days := int(now.Sub(then).Hours() / 24)
		return fmt.Sprintf("%d days", days), nil

	default:
		return "", fmt.Errorf("unknown command %q", args[0])
	}
}

// Echo возвращает вход без изменений.
type Echo struct{}

func (Echo) ID() string                            { return "echo" }
func (Echo) Name() string                          { return "Echo" }
func (Echo) Description() string                   { return "Returns its input unchanged." }
func (Echo) Capabilities() []domain.Capability     { return []domain.Capability{} }
func (Echo) Initialize(context.Context, Env) error { return nil }
func (Echo) Destroy()                              {}

func (Echo) Execute(_ context.Context, input string) (Result, error) {
	return OK(input, 0), nil
}
