package ise

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame status markers.
const (
	StatusFirst    = 0
	StatusContinue = 1
	StatusLast     = 2
)

// Audio status markers carried in the business section of audio frames.
const (
	ausContinue = 2
	ausLast     = 4
)

const (
	category  = "read_sentence"
	audioFmt  = "audio/L16;rate=16000"
	encoding  = "raw"
	textBOM   = "\uFEFF"
	cmdStart  = "ssb"
	cmdAudio  = "auw"
	subModule = "ise"
)

// Frame is one outbound message to the ISE service.
type Frame struct {
	Common   Common    `json:"common"`
	Business Business  `json:"business"`
	Data     FrameData `json:"data"`
}

// Common carries the application identity.
type Common struct {
	AppID string `json:"app_id"`
}

// Business holds the evaluation parameters. The handshake frame fills the
// descriptive fields; audio frames only set AUS, Cmd and AUE.
type Business struct {
	Sub      string `json:"sub,omitempty"`
	Ent      string `json:"ent,omitempty"`
	Category string `json:"category,omitempty"`
	Text     string `json:"text,omitempty"`
	TTE      string `json:"tte,omitempty"`
	RSTCD    string `json:"rstcd,omitempty"`
	TTPSkip  bool   `json:"ttp_skip,omitempty"`
	Cmd      string `json:"cmd,omitempty"`
	AUE      string `json:"aue,omitempty"`
	AUF      string `json:"auf,omitempty"`
	AUS      int    `json:"aus,omitempty"`
}

// FrameData carries the frame status and, for audio frames, the base64 PCM
// payload. The handshake frame has no data field at all.
type FrameData struct {
	Status int     `json:"status"`
	Data   *string `json:"data,omitempty"`
}

// EncodeFirst builds the handshake frame announcing the target text.
func EncodeFirst(appID, language, text string) ([]byte, error) {
	return marshalFrame(Frame{
		Common: Common{AppID: appID},
		Business: Business{
			Sub:      subModule,
			Ent:      language,
			Category: category,
			Text:     textBOM + text,
			TTE:      "utf-8",
			RSTCD:    "utf8",
			TTPSkip:  true,
			Cmd:      cmdStart,
			AUE:      encoding,
			AUF:      audioFmt,
		},
		Data: FrameData{Status: StatusFirst},
	})
}

// EncodeContinue wraps one PCM chunk.
func EncodeContinue(appID string, chunk []byte) ([]byte, error) {
	payload := base64.StdEncoding.EncodeToString(chunk)
	return marshalFrame(Frame{
		Common:   Common{AppID: appID},
		Business: Business{AUS: ausContinue, Cmd: cmdAudio, AUE: encoding},
		Data:     FrameData{Status: StatusContinue, Data: &payload},
	})
}

// EncodeLast builds the end-of-utterance frame with an empty payload.
func EncodeLast(appID string) ([]byte, error) {
	empty := ""
	return marshalFrame(Frame{
		Common:   Common{AppID: appID},
		Business: Business{AUS: ausLast, Cmd: cmdAudio, AUE: encoding},
		Data:     FrameData{Status: StatusLast, Data: &empty},
	})
}

func marshalFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("ise: encode frame: %w", err)
	}
	return b, nil
}

// DecodeFrame parses an outbound frame. The service never sends these; it
// exists for fake upstreams and tests.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("ise: decode frame: %w", err)
	}
	return f, nil
}

// Audio returns the decoded PCM payload of the frame, or nil if it has none.
func (f Frame) Audio() ([]byte, error) {
	if f.Data.Data == nil || *f.Data.Data == "" {
		return nil, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(*f.Data.Data)
	if err != nil {
		return nil, fmt.Errorf("ise: decode audio: %w", err)
	}
	return pcm, nil
}

// ResponseError is a non-zero code reported by the service. Its message is
// forwarded to the learner verbatim.
type ResponseError struct {
	Code    int
	Message string
	SID     string
}

// Error implements error.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("Error %d: %s", e.Code, e.Message)
}

// Response is one inbound message from the service.
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	SID     string          `json:"sid"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type responseData struct {
	Status int    `json:"status"`
	Data   string `json:"data"`
}

// Evaluation is a decoded result document.
type Evaluation struct {
	Status int
	XML    []byte
	Raw    json.RawMessage
}

// DecodeResponse parses an inbound message. A non-zero code yields a
// *ResponseError. A message without a nested payload yields (nil, nil).
func DecodeResponse(msg []byte) (*Evaluation, error) {
	var resp Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, fmt.Errorf("ise: decode response: %w", err)
	}
	if resp.Code != 0 {
		return nil, &ResponseError{Code: resp.Code, Message: resp.Message, SID: resp.SID}
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, nil
	}

	var data responseData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("ise: decode response data: %w", err)
	}
	if data.Data == "" {
		return nil, nil
	}
	xml, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		return nil, fmt.Errorf("ise: decode result payload: %w", err)
	}
	return &Evaluation{Status: data.Status, XML: xml, Raw: resp.Data}, nil
}
