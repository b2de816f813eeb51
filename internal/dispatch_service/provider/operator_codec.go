package provider

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

// RequestType selects the operator endpoint document.
type RequestType int

const (
	RequestSMS RequestType = iota
	RequestVoice
	RequestSMSDelivery
	RequestVoiceDelivery
)

func (t RequestType) isVoice() bool {
	return t == RequestVoice || t == RequestVoiceDelivery
}

func (t RequestType) isDelivery() bool {
	return t == RequestSMSDelivery || t == RequestVoiceDelivery
}

func (t RequestType) rootTag() string {
	if t.isVoice() {
		return "VoiceServices"
	}
	return "SmsServices"
}

func (t RequestType) dataType() string {
	switch t {
	case RequestVoice:
		return "VoiceMessage"
	case RequestSMSDelivery:
		return "SMS-Status"
	case RequestVoiceDelivery:
		return "VoiceMessage-Status"
	default:
		return "SMS"
	}
}

func (t RequestType) String() string {
	return t.dataType()
}

// OperatorState is a status code reported by the operator gateway.
type OperatorState int

const (
	OperatorUnknown OperatorState = iota
	OperatorDelivered
	OperatorNotDelivered
)

// OperatorStatus is one parsed DataItem status. Code keeps the raw value for unknown states.
type OperatorStatus struct {
	State OperatorState
	Code  int
}

func operatorStatusFromCode(code int) OperatorStatus {
	switch code {
	case 0:
		return OperatorStatus{State: OperatorDelivered, Code: code}
	case 1:
		return OperatorStatus{State: OperatorNotDelivered, Code: code}
	default:
		return OperatorStatus{State: OperatorUnknown, Code: code}
	}
}

// DeliveryStatus maps the operator state onto the delivery axis. Unknown codes leave it unresolved.
func (s OperatorStatus) DeliveryStatus() core_domain.DeliveryStatus {
	switch s.State {
	case OperatorDelivered:
		return core_domain.DeliveryDelivered
	case OperatorNotDelivered:
		return core_domain.DeliveryNotDelivered
	default:
		return core_domain.DeliveryUnresolved
	}
}

type operatorDocument struct {
	XMLName xml.Name
	Header  operatorHeader `xml:"DataHeader"`
	Items   []operatorItem `xml:"DataArray>DataItem"`
}

type operatorHeader struct {
	DataType string `xml:"DataType"`
	UserName string `xml:"UserName"`
	Password string `xml:"Password"`
}

type operatorItem struct {
	PhoneNumber string `xml:"PhoneNumber,omitempty"`
	Text        string `xml:"Text,omitempty"`
	VoiceText   string `xml:"VoiceMsg>Text,omitempty"`
	SmsID       string `xml:"SmsId,omitempty"`
	MsgID       string `xml:"MsgId,omitempty"`
}

type operatorResponseItem struct {
	SmsID  string `xml:"SmsId"`
	MsgID  string `xml:"MsgId"`
	Status string `xml:"Status"`
}

// OperatorCodec builds and reads the operator gateway XML documents.
type OperatorCodec struct {
	Username string
	Password string
	Prefix   string
}

// CorrelationID is the id the operator echoes back for message id.
func (c OperatorCodec) CorrelationID(id int64) string {
	return fmt.Sprintf("%s-%d", c.Prefix, id)
}

// Serialize renders one request document for msgs.
func (c OperatorCodec) Serialize(reqType RequestType, msgs []*core_domain.Message) ([]byte, error) {
	doc := operatorDocument{
		XMLName: xml.Name{Local: reqType.rootTag()},
		Header: operatorHeader{
			DataType: reqType.dataType(),
			UserName: c.Username,
			Password: c.Password,
		},
		Items: make([]operatorItem, 0, len(msgs)),
	}
	for _, msg := range msgs {
		item := operatorItem{}
		id := c.CorrelationID(msg.ID)
		if reqType.isVoice() {
			item.MsgID = id
		} else {
			item.SmsID = id
		}
		if !reqType.isDelivery() {
			item.PhoneNumber = msg.Recipient
			if reqType.isVoice() {
				item.VoiceText = msg.Content
			} else {
				item.Text = msg.Content
			}
		}
		doc.Items = append(doc.Items, item)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", reqType, err)
	}
	return buf.Bytes(), nil
}

// ParseResponse collects the status of every DataItem in body, wherever it is nested. Items
// that cannot be understood are skipped; the returned error is a *core_domain.ParseError that
// lists them, and the map still holds every item parsed before or after the problem.
func (c OperatorCodec) ParseResponse(body []byte) (map[int64]OperatorStatus, error) {
	results := make(map[int64]OperatorStatus)
	perr := &core_domain.ParseError{Backend: "operator"}

	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			perr.Add("malformed document: %v", err)
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "DataItem" {
			continue
		}
		var item operatorResponseItem
		if err := dec.DecodeElement(&item, &start); err != nil {
			perr.Add("malformed DataItem: %v", err)
			break
		}
		id, status, err := c.parseItem(item)
		if err != nil {
			perr.Add("%v", err)
			continue
		}
		results[id] = status
	}
	return results, perr.OrNil()
}

func (c OperatorCodec) parseItem(item operatorResponseItem) (int64, OperatorStatus, error) {
	raw := strings.TrimSpace(item.SmsID)
	if raw == "" {
		raw = strings.TrimSpace(item.MsgID)
	}
	if raw == "" {
		return 0, OperatorStatus{}, errors.New("DataItem without SmsId or MsgId")
	}
	numeric, found := strings.CutPrefix(raw, c.Prefix+"-")
	if !found {
		return 0, OperatorStatus{}, fmt.Errorf("id %q does not carry prefix %q", raw, c.Prefix)
	}
	id, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, OperatorStatus{}, fmt.Errorf("id %q is not numeric", raw)
	}
	code, err := strconv.Atoi(strings.TrimSpace(item.Status))
	if err != nil {
		return 0, OperatorStatus{}, fmt.Errorf("id %q has invalid status %q", raw, item.Status)
	}
	return id, operatorStatusFromCode(code), nil
}
