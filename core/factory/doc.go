// Package factory provides the generic registry used to build resource models
// from their configuration entry. An entry carries a type tag and a map of raw
// parameters; the factory registered for the tag decodes the parameters into
// a typed struct and returns the concrete model.
//
// Example usage:
//
//	reg := factory.NewRegistry[resource.Resource]()
//	reg.Register("battery", func(conf map[string]any) (resource.Resource, error) {
//	    var c resource.BatteryConfig
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return resource.NewBattery(c)
//	})
//	r, err := reg.Create(factory.ModuleConfig{Type: "battery", Conf: params})
package factory
