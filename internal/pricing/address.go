package pricing

import "strings"

// Address is the shipping destination used for rule conditions and tax
// resolution.
type Address struct {
	Country string `json:"country" validate:"omitempty,len=2"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	City    string `json:"city,omitempty"`
}

// Fields exposes the address to condition trees. Empty parts are omitted so
// they read as missing.
func (a *Address) Fields() map[string]any {
	if a == nil {
		return nil
	}
	out := map[string]any{}
	for key, value := range map[string]string{
		"country": a.Country,
		"state":   a.State,
		"zip":     a.Zip,
		"city":    a.City,
	} {
		if v := strings.TrimSpace(value); v != "" {
			out[key] = v
		}
	}
	return out
}
