package gatt

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

func hexHandle(h uint16) string {
	return fmt.Sprintf("0x%04X", h)
}

// Snapshot renders the committed services as a protobuf Struct, suitable for
// logger.ToJSON and for dumping a discovered database.
func (db *Database) Snapshot() (*structpb.Struct, error) {
	services := []interface{}{}
	db.ForEachService(0, 0, func(s *Service) bool {
		services = append(services, db.describeService(s))
		return true
	})

	return structpb.NewStruct(map[string]interface{}{
		"version":  float64(db.Version()),
		"services": services,
	})
}

func (db *Database) describeService(s *Service) map[string]interface{} {
	includes := []interface{}{}
	for _, inc := range s.Includes {
		includes = append(includes, map[string]interface{}{
			"handle":       hexHandle(inc.Handle),
			"start_handle": hexHandle(inc.StartHandle),
			"end_handle":   hexHandle(inc.EndHandle),
			"uuid":         inc.UUID.String(),
		})
	}

	chars := []interface{}{}
	for _, c := range s.Characteristics {
		descs := []interface{}{}
		for _, d := range c.Descriptors {
			descs = append(descs, map[string]interface{}{
				"handle": hexHandle(d.Handle),
				"uuid":   d.UUID.String(),
			})
		}
		props := []interface{}{}
		for _, name := range PropertyNames(c.Properties) {
			props = append(props, name)
		}
		char := map[string]interface{}{
			"declaration_handle": hexHandle(c.DeclarationHandle),
			"value_handle":       hexHandle(c.ValueHandle),
			"end_handle":         hexHandle(c.EndHandle),
			"uuid":               c.UUID.String(),
			"properties":         props,
			"descriptors":        descs,
		}
		if a, err := db.Lookup(c.ValueHandle); err == nil && len(a.Value) > 0 {
			char["value_hex"] = hex.EncodeToString(a.Value)
		}
		chars = append(chars, char)
	}

	return map[string]interface{}{
		"start_handle":    hexHandle(s.StartHandle),
		"end_handle":      hexHandle(s.EndHandle),
		"uuid":            s.UUID.String(),
		"primary":         s.Primary,
		"includes":        includes,
		"characteristics": chars,
	}
}
