package element

import (
	"fmt"

	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
)

// Reply pairs a correlated request id with the body a handler produced.
// It is framed with ID == ReplyID and Length == Var32 by convention; the
// caller supplies the request id it is answering.
type Reply struct {
	RequestID uint32
	Body      []byte
}

// Encode renders r's wire payload: a 4-byte request id followed by the body.
func (r Reply) Encode() []byte {
	out := make([]byte, 4+len(r.Body))
	ioutil.PutU32(out, 0, r.RequestID)
	copy(out[4:], r.Body)
	return out
}

// DecodeReply splits a reply element's payload back into request id and body.
func DecodeReply(payload []byte) (Reply, error) {
	if len(payload) < 4 {
		return Reply{}, fmt.Errorf("element: reply payload shorter than request id field")
	}
	reqID, _ := ioutil.U32(payload, 0)
	return Reply{RequestID: reqID, Body: payload[4:]}, nil
}
