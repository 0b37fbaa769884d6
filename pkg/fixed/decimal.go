// Package fixed реализует десятичные числа с фиксированной точкой для денежных расчётов.
//
// Decimal помнит точность, с которой значение было выражено ("1.50" -> 2 знака).
// Результат Add/Sub/Mul округляется (half away from zero) до большей из двух
// точностей операндов, но не более MaxScale. Div всегда округляет до MaxScale.
// String() печатает ровно столько знаков, сколько несёт значение, поэтому
// форматированные строки стабильны между вычислениями.
package fixed

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxScale - максимальное число знаков после точки
const MaxScale int32 = 8

var (
	ErrDivisionByZero = errors.New("fixed: division by zero")
	ErrInvalidNumber  = errors.New("fixed: invalid number")
)

// Decimal - неизменяемое десятичное значение. Нулевое значение равно "0".
type Decimal struct {
	d     decimal.Decimal
	scale int32
}

// Zero - ноль с точностью 0
var Zero = Decimal{}

// New разбирает строку вида "123.45", "-0.001", "1e-3".
func New(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty string", ErrInvalidNumber)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return fromDecimal(d, scaleOf(d)), nil
}

// MustNew - New для констант; паникует на некорректной строке
func MustNew(s string) Decimal {
	v, err := New(s)
	if err != nil {
		panic(err)
	}
	return v
}

// NewOrZero разбирает строку, возвращая ноль для пустой или некорректной.
// Используется при разборе ответов биржи, где пустое поле означает "нет значения".
func NewOrZero(s string) Decimal {
	v, err := New(s)
	if err != nil {
		return Zero
	}
	return v
}

// FromInt создаёт целое значение с точностью 0
func FromInt(n int64) Decimal {
	return Decimal{d: decimal.NewFromInt(n)}
}

// FromFloat использует кратчайшее десятичное представление float
func FromFloat(f float64) Decimal {
	d := decimal.NewFromFloat(f)
	return fromDecimal(d, scaleOf(d))
}

func scaleOf(d decimal.Decimal) int32 {
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

func fromDecimal(d decimal.Decimal, scale int32) Decimal {
	if scale > MaxScale {
		scale = MaxScale
	}
	if scale < 0 {
		scale = 0
	}
	return Decimal{d: d.Round(scale), scale: scale}
}

func resultScale(a, b Decimal) int32 {
	return min(max(a.scale, b.scale), MaxScale)
}

// ============================================================
// Арифметика
// ============================================================

func (a Decimal) Add(b Decimal) Decimal {
	return fromDecimal(a.d.Add(b.d), resultScale(a, b))
}

func (a Decimal) Sub(b Decimal) Decimal {
	return fromDecimal(a.d.Sub(b.d), resultScale(a, b))
}

func (a Decimal) Mul(b Decimal) Decimal {
	return fromDecimal(a.d.Mul(b.d), resultScale(a, b))
}

// DivE делит с точностью MaxScale
func (a Decimal) DivE(b Decimal) (Decimal, error) {
	if b.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return fromDecimal(a.d.DivRound(b.d, MaxScale+2), MaxScale), nil
}

// Div - DivE, возвращающий ноль при делении на ноль
func (a Decimal) Div(b Decimal) Decimal {
	v, err := a.DivE(b)
	if err != nil {
		return Zero
	}
	return v
}

// DivTrunc делит и отбрасывает знаки после MaxScale (результат не больше точного)
func (a Decimal) DivTrunc(b Decimal) Decimal {
	if b.d.IsZero() {
		return Zero
	}
	return Decimal{d: a.d.DivRound(b.d, MaxScale+2).Truncate(MaxScale), scale: MaxScale}
}

// RoundTo округляет до заданного числа знаков
func (a Decimal) RoundTo(places int32) Decimal {
	return fromDecimal(a.d, places)
}

// Truncate отбрасывает знаки после places (округление к нулю)
func (a Decimal) Truncate(places int32) Decimal {
	if places > MaxScale {
		places = MaxScale
	}
	return Decimal{d: a.d.Truncate(places), scale: places}
}

// Normalize убирает незначащие нули в дробной части
func (a Decimal) Normalize() Decimal {
	s := a.d.String()
	d, _ := decimal.NewFromString(s)
	return fromDecimal(d, scaleOf(d))
}

func (a Decimal) Neg() Decimal { return Decimal{d: a.d.Neg(), scale: a.scale} }
func (a Decimal) Abs() Decimal { return Decimal{d: a.d.Abs(), scale: a.scale} }

// ============================================================
// Сравнение
// ============================================================

func (a Decimal) Cmp(b Decimal) int             { return a.d.Cmp(b.d) }
func (a Decimal) Equal(b Decimal) bool          { return a.d.Equal(b.d) }
func (a Decimal) LessThan(b Decimal) bool       { return a.d.LessThan(b.d) }
func (a Decimal) GreaterThan(b Decimal) bool    { return a.d.GreaterThan(b.d) }
func (a Decimal) LessOrEqual(b Decimal) bool    { return a.d.LessThanOrEqual(b.d) }
func (a Decimal) GreaterOrEqual(b Decimal) bool { return a.d.GreaterThanOrEqual(b.d) }
func (a Decimal) IsZero() bool                  { return a.d.IsZero() }
func (a Decimal) IsNegative() bool              { return a.d.IsNegative() }
func (a Decimal) IsPositive() bool              { return a.d.IsPositive() }
func (a Decimal) Sign() int                     { return a.d.Sign() }

// Scale - число знаков после точки, которое несёт значение
func (a Decimal) Scale() int32 { return a.scale }

func Min(a, b Decimal) Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b Decimal) Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ============================================================
// Преобразования
// ============================================================

func (a Decimal) String() string {
	return a.d.StringFixed(a.scale)
}

// Float64 - приближённое значение для метрик и процентов
func (a Decimal) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// MarshalJSON кодирует значение строкой, чтобы не терять точность
func (a Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*a = Zero
		return nil
	}
	v, err := New(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value реализует driver.Valuer (NUMERIC хранится строкой)
func (a Decimal) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan реализует sql.Scanner
func (a *Decimal) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		return a.set(v)
	case []byte:
		return a.set(string(v))
	case int64:
		*a = FromInt(v)
		return nil
	case float64:
		*a = FromFloat(v)
		return nil
	default:
		return fmt.Errorf("fixed: cannot scan %T", src)
	}
}

func (a *Decimal) set(s string) error {
	v, err := New(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Ptr возвращает указатель на копию значения (для nullable полей)
func Ptr(v Decimal) *Decimal {
	return &v
}
