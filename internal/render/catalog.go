package render

import "github.com/nimasrn/followup-gateway/internal/model"

// CatalogVersion is bumped whenever a trigger's variable set changes.
const CatalogVersion = 1

type Variable struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type VariableSet struct {
	Version   int        `json:"version"`
	Variables []Variable `json:"variables"`
}

func (s VariableSet) Lookup(name string) (Variable, bool) {
	for _, v := range s.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

func required(name string) Variable { return Variable{Name: name, Required: true} }
func optional(name string) Variable { return Variable{Name: name} }

// Catalog lists the variables each trigger event may carry.
var Catalog = map[model.TriggerEvent]VariableSet{
	model.TriggerServiceCompleted: {Version: CatalogVersion, Variables: []Variable{
		required("customer_name"), optional("service_type"), optional("vehicle"),
		optional("completion_date"), optional("total_cost"), optional("workshop_name"),
	}},
	model.TriggerVehicleReady: {Version: CatalogVersion, Variables: []Variable{
		required("customer_name"), required("vehicle"), optional("workshop_name"), optional("pickup_deadline"),
	}},
	model.TriggerPaymentReceived: {Version: CatalogVersion, Variables: []Variable{
		required("customer_name"), required("invoice_number"), optional("total_cost"), optional("workshop_name"),
	}},
	model.TriggerServiceReminder: {Version: CatalogVersion, Variables: []Variable{
		required("customer_name"), optional("vehicle"), required("next_service_date"), optional("workshop_name"),
	}},
	model.TriggerManual: {Version: CatalogVersion, Variables: []Variable{
		optional("customer_name"), optional("workshop_name"),
	}},
}

func VariablesFor(trigger model.TriggerEvent) (VariableSet, bool) {
	s, ok := Catalog[trigger]
	return s, ok
}
