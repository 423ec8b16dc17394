package pbx

import (
	"sort"
	"strconv"
	"strings"
)

// Parsing strategy: pjsip CLI tables are loosely columnar and trailing fields
// are optional (their presence varies by Asterisk build), so rows are parsed
// by anchored label extraction ("Aor:", "InAuth:", "Transport:") rather than
// fixed column offsets. A row missing a mandatory field is dropped on its own;
// the rest of the blob is still parsed.

const (
	endpointMarker = "Endpoint:"
	contactMarker  = "Contact:"

	defaultTransport = "transport-udp"
)

// ParseEndpoints parses the raw output of `pjsip show endpoints`.
func ParseEndpoints(output string) []EndpointRecord {
	var records []EndpointRecord
	inData := false

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)

		// Blank lines and rows of '=' separate the header from the data
		// section. The first occurrence of the marker token (in the header
		// row or a data row) opens the data section.
		if line == "" || strings.HasPrefix(line, "=") {
			if strings.Contains(line, endpointMarker) {
				inData = true
			}
			continue
		}
		if strings.Contains(line, "<Endpoint") {
			// Column-legend row, e.g. "Endpoint:  <Endpoint/CID...>".
			inData = true
			continue
		}
		if !inData {
			if !strings.HasPrefix(line, endpointMarker) {
				continue
			}
			inData = true
		}

		rec, ok := parseEndpointLine(line)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func parseEndpointLine(line string) (EndpointRecord, bool) {
	rest, ok := strings.CutPrefix(line, endpointMarker)
	if !ok {
		return EndpointRecord{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return EndpointRecord{}, false
	}

	id := fields[0]
	if strings.HasPrefix(id, "<") {
		return EndpointRecord{}, false
	}
	// Endpoint id may be printed as "600/600" (endpoint/CID).
	if i := strings.IndexByte(id, '/'); i > 0 {
		id = id[:i]
	}

	aor, ok := labelValue(fields, "Aor:")
	if !ok {
		// Aor is the join key for the contact merge; without it the row
		// cannot be used.
		return EndpointRecord{}, false
	}

	rec := EndpointRecord{
		Endpoint:  id,
		State:     endpointState(fields),
		Channels:  channelCount(fields),
		Aor:       aor,
		Transport: defaultTransport,
	}

	if v, ok := labelValue(fields, "Transport:"); ok {
		rec.Transport = v
	}
	if v, ok := labelValue(fields, "InAuth:"); ok {
		// InAuth is printed as "authId/userName".
		rec.AuthID, _, _ = strings.Cut(v, "/")
	} else {
		rec.AuthID = id + "-auth"
	}
	return rec, true
}

// endpointState returns the free-text state token following the endpoint id.
// Multi-word states ("Not in use", "In use") are reassembled up to the
// channel count or the next label.
func endpointState(fields []string) string {
	if len(fields) < 2 {
		return "Unknown"
	}
	var words []string
	for _, f := range fields[1:] {
		if strings.HasSuffix(f, ":") || isInt(f) {
			break
		}
		words = append(words, f)
	}
	if len(words) == 0 {
		return "Unknown"
	}
	return strings.Join(words, " ")
}

// channelCount extracts N from the "N of inf" channel column.
func channelCount(fields []string) int {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i+1] == "of" && isInt(fields[i]) {
			n, _ := strconv.Atoi(fields[i])
			return n
		}
	}
	return 0
}

// ParseContacts parses the raw output of `pjsip show contacts` into a map
// keyed by address-of-record.
func ParseContacts(output string) map[string]ContactRecord {
	contacts := make(map[string]ContactRecord)
	inData := false

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)

		if line == "" || strings.HasPrefix(line, "=") {
			if strings.Contains(line, contactMarker) {
				inData = true
			}
			continue
		}
		if strings.Contains(line, "<Aor") || strings.Contains(line, "<call-id") {
			inData = true
			continue
		}
		if !inData {
			if !strings.HasPrefix(line, contactMarker) {
				continue
			}
			inData = true
		}

		rec, ok := parseContactLine(line)
		if !ok {
			continue
		}
		contacts[rec.Aor] = rec
	}
	return contacts
}

func parseContactLine(line string) (ContactRecord, bool) {
	rest, ok := strings.CutPrefix(line, contactMarker)
	if !ok {
		return ContactRecord{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ContactRecord{}, false
	}

	// First token is "owner/sip:uri"; the owning record name conventionally
	// carries an "-aor" suffix.
	owner, uri, ok := strings.Cut(fields[0], "/")
	if !ok || owner == "" || strings.HasPrefix(owner, "<") {
		return ContactRecord{}, false
	}

	rec := ContactRecord{
		Aor:          strings.TrimSuffix(owner, "-aor"),
		URI:          uri,
		Availability: contactAvailability(fields),
	}
	rec.IPAddress, rec.Port = uriHostPort(uri)
	return rec, true
}

// contactAvailability returns the token immediately preceding the RTT column
// (a decimal number), which is where pjsip prints Avail/Unavail/Unknown.
func contactAvailability(fields []string) string {
	for i := 1; i+1 < len(fields); i++ {
		if isFloat(fields[i+1]) {
			return fields[i]
		}
	}
	return "Unknown"
}

// uriHostPort pulls the host and optional port out of a "sip:user@host:port"
// contact URI. The port is absent when the URI has none.
func uriHostPort(uri string) (host, port string) {
	_, hostPart, ok := strings.Cut(uri, "@")
	if !ok {
		return "", ""
	}
	// Strip any ";transport=..." params.
	hostPart, _, _ = strings.Cut(hostPart, ";")

	host, port, found := strings.Cut(hostPart, ":")
	if !found {
		return hostPart, ""
	}
	if !isInt(port) {
		return host, ""
	}
	return host, port
}

// MergeRegistrations joins endpoint rows with their contact rows on aor and
// computes the registration verdict. An endpoint counts as registered when:
//   - its state is "Available", or
//   - its state is "Not in use" and the contact is "Avail", or
//   - the contact is "Avail" regardless of endpoint state.
//
// The result is sorted by username for deterministic display.
func MergeRegistrations(endpoints []EndpointRecord, contacts map[string]ContactRecord) []RegisteredUser {
	users := make([]RegisteredUser, 0, len(endpoints))
	for _, ep := range endpoints {
		contact, hasContact := contacts[ep.Aor]
		contactAvail := hasContact && contact.Availability == "Avail"

		registered := ep.State == "Available" ||
			(ep.State == "Not in use" && contactAvail) ||
			contactAvail

		u := RegisteredUser{
			ID:           ep.Endpoint,
			Username:     ep.Endpoint,
			Registration: NotRegistered,
			Transport:    ep.Transport,
		}
		if registered {
			u.Registration = Registered
		}
		if hasContact {
			u.IPAddress = contact.IPAddress
			u.Port = contact.Port
		}
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// labelValue returns the token following an anchored label such as "Aor:".
func labelValue(fields []string, label string) (string, bool) {
	for i, f := range fields {
		if f == label && i+1 < len(fields) {
			return fields[i+1], true
		}
	}
	return "", false
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil && s != ""
}

func isFloat(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil && s != ""
}
