// Package factory provides a small generic registry used to instantiate
// pluggable modules (metrics sinks, journal backends) from configuration.
// Modules are defined by a type string and a map of raw settings. Factories
// decode the settings into typed structs and return the implementation.
//
// Example usage:
//
//	reg := factory.NewRegistry[journal.Store]()
//	reg.Register("jsonl", func(conf map[string]any) (journal.Store, error) {
//	    var c struct{ Path string `json:"path"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return openJSONL(c.Path)
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "jsonl", Conf: map[string]any{"path": "dispatch.log"}})
package factory
