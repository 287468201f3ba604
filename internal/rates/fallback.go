package rates

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed fallback_rates.yaml
var defaultFallback []byte

type fallbackDocument struct {
	Base      string            `yaml:"base"`
	UpdatedAt string            `yaml:"updated_at"`
	Rates     map[string]string `yaml:"rates"`
}

// LoadFallback reads the fallback table from path, or the embedded table when path is empty.
func LoadFallback(path string) (*Table, error) {
	raw := defaultFallback
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fallback rates: %w", err)
		}
		raw = data
	}
	return ParseFallback(raw)
}

func ParseFallback(raw []byte) (*Table, error) {
	var doc fallbackDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode fallback rates: %w", err)
	}
	if base := strings.ToUpper(strings.TrimSpace(doc.Base)); base != "" && base != "USD" {
		return nil, fmt.Errorf("fallback rates must be USD based, got %s", base)
	}

	table := &Table{Base: "USD", Source: SourceFallback, Rates: make(map[string]decimal.Decimal, len(doc.Rates))}
	for code, value := range doc.Rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("fallback rate for %s: %w", code, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("fallback rate for %s must be positive", code)
		}
		table.Rates[strings.ToUpper(code)] = rate
	}
	if doc.UpdatedAt != "" {
		if at, err := time.Parse("2006-01-02", doc.UpdatedAt); err == nil {
			table.FetchedAt = at
		}
	}
	return table, nil
}
