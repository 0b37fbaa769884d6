package repository

import (
	jsoniter "github.com/json-iterator/go"

	"autotrader/pkg/fixed"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// nullDecimal - NULL-совместимое NUMERIC поле
type nullDecimal struct {
	d     fixed.Decimal
	valid bool
}

func (n *nullDecimal) Scan(src interface{}) error {
	if src == nil {
		n.d, n.valid = fixed.Zero, false
		return nil
	}
	n.valid = true
	return n.d.Scan(src)
}

func (n nullDecimal) ptr() *fixed.Decimal {
	if !n.valid {
		return nil
	}
	return fixed.Ptr(n.d)
}

// marshalMeta кодирует метаданные в JSONB; nil map хранится как NULL
func marshalMeta(meta map[string]interface{}) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

func unmarshalMeta(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
