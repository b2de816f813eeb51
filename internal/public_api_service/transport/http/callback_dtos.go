package http

// MandrillEventsField is the form field Mandrill posts its webhook batch in.
const MandrillEventsField = "mandrill_events"

// maxCallbackBodyBytes bounds the size of one webhook request.
const maxCallbackBodyBytes = 5 << 20

// CallbackAcceptedResponse acknowledges a forwarded callback batch.
type CallbackAcceptedResponse struct {
	Status string `json:"status"`
	Events int    `json:"events"`
}
