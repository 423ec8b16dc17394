package gateway

// RegistrationState classifies a SIM port's network registration.
type RegistrationState string

const (
	PortRegistered    RegistrationState = "Registered"
	PortNotRegistered RegistrationState = "NotRegistered"
	PortUnknown       RegistrationState = "Unknown"
)

// statusRegistered is the literal the device prints for a registered SIM.
const statusRegistered = "Mobile Registered"

// callStatusIdle is the only call state in which a port accepts an SMS.
const callStatusIdle = "Idle"

// PortStatus is one SIM port row from the device's status endpoint.
//
// Signal is passed through exactly as the device reported it; some firmwares
// report a 0-5 scale and others report percent. Rescaling for display is a
// presentation concern and does not happen here.
type PortStatus struct {
	Port       string `json:"port"`
	Status     string `json:"status"`
	Signal     int    `json:"signal"`
	Operator   string `json:"operator"`
	CallStatus string `json:"call_status"`
	ICCID      string `json:"iccid,omitempty"`
	IMSI       string `json:"imsi,omitempty"`
	IMEI       string `json:"imei,omitempty"`
	Battery    int    `json:"battery,omitempty"`
	Type       string `json:"type,omitempty"`
	Network    string `json:"network,omitempty"`
	CallLimit  string `json:"call_limit,omitempty"`
	ASR        string `json:"asr,omitempty"`
	ACD        string `json:"acd,omitempty"`
	PDD        string `json:"pdd,omitempty"`
}

// Registered reports whether the SIM is registered on the mobile network.
func (p PortStatus) Registered() bool { return p.Status == statusRegistered }

// Idle reports whether the port is free to place an SMS or call. An empty
// call status is treated as idle; the device omits it on some firmwares.
func (p PortStatus) Idle() bool { return p.CallStatus == "" || p.CallStatus == callStatusIdle }

// RegistrationState maps the device's free-text status onto the closed enum.
func (p PortStatus) RegistrationState() RegistrationState {
	switch p.Status {
	case "":
		return PortUnknown
	case statusRegistered:
		return PortRegistered
	default:
		return PortNotRegistered
	}
}

// SendResult is the outcome classification of one SMS send.
type SendResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
