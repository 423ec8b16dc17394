package pbx

// Registration is the merged registration verdict for one SIP user.
type Registration string

const (
	Registered    Registration = "Registered"
	NotRegistered Registration = "Not Registered"
)

// EndpointRecord is one raw row from `pjsip show endpoints`.
// State is kept as the free-text token the PBX printed ("Available",
// "Unavailable", "Not in use", ...); interpretation happens at merge time.
type EndpointRecord struct {
	Endpoint  string `json:"endpoint"`
	State     string `json:"state"`
	Channels  int    `json:"channels"`
	AuthID    string `json:"auth_id"`
	Aor       string `json:"aor"`
	Transport string `json:"transport"`
}

// ContactRecord is one raw row from `pjsip show contacts`, keyed by the
// address-of-record it belongs to.
type ContactRecord struct {
	Aor          string `json:"aor"`
	URI          string `json:"uri"`
	Availability string `json:"availability"`
	IPAddress    string `json:"ip_address,omitempty"`
	Port         string `json:"port,omitempty"`
}

// RegisteredUser is the merged endpoint+contact view exposed to the dashboard.
type RegisteredUser struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	Registration Registration `json:"registration"`
	IPAddress    string       `json:"ip_address,omitempty"`
	Port         string       `json:"port,omitempty"`
	Transport    string       `json:"transport,omitempty"`
}
