package filter

type setCall struct {
	Name  string
	Value string
}

// fakeHost records header writes and serves fixed header snapshots.
type fakeHost struct {
	request       []HeaderField
	response      []HeaderField
	metadata      map[string]string
	metadataCalls int

	setRequest  []setCall
	setResponse []setCall
}

func newFakeHost(request, response [][2]string) *fakeHost {
	return &fakeHost{request: fields(request), response: fields(response)}
}

func fields(pairs [][2]string) []HeaderField {
	out := make([]HeaderField, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, HeaderField{Name: []byte(p[0]), Value: []byte(p[1])})
	}
	return out
}

func (h *fakeHost) RequestHeaders() []HeaderField  { return h.request }
func (h *fakeHost) ResponseHeaders() []HeaderField { return h.response }

func (h *fakeHost) SetRequestHeader(name string, value []byte) {
	h.setRequest = append(h.setRequest, setCall{Name: name, Value: string(value)})
}

func (h *fakeHost) SetResponseHeader(name string, value []byte) {
	h.setResponse = append(h.setResponse, setCall{Name: name, Value: string(value)})
}

func (h *fakeHost) DynamicMetadataString(namespace, key string) ([]byte, bool) {
	h.metadataCalls++
	v, ok := h.metadata[namespace+"/"+key]
	if !ok {
		return nil, false
	}
	return []byte(v), true
}

func (h *fakeHost) withRoute(route string) *fakeHost {
	if h.metadata == nil {
		h.metadata = map[string]string{}
	}
	h.metadata[DefaultMetadataNamespace+"/"+DefaultMetadataKey] = route
	return h
}

type recordingObserver struct {
	reports []PhaseReport
}

func (o *recordingObserver) ObservePhase(r PhaseReport) {
	o.reports = append(o.reports, r)
}
