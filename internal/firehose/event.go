package firehose

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Jetstream event kinds.
const (
	kindCommit   = "commit"
	kindIdentity = "identity"
	kindAccount  = "account"
)

// Commit operations that produce or replace a record.
const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// jetstreamEvent is one JSON frame from Jetstream.
type jetstreamEvent struct {
	DID      string             `json:"did"`
	TimeUS   int64              `json:"time_us"`
	Kind     string             `json:"kind"`
	Commit   *jetstreamCommit   `json:"commit,omitempty"`
	Identity *jetstreamIdentity `json:"identity,omitempty"`
}

// jetstreamCommit is the repository mutation carried by a commit event.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// jetstreamIdentity announces the current handle of a DID.
type jetstreamIdentity struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

// postRecord holds the fields read from an embedded record. Missing or
// oddly typed fields come back empty.
type postRecord struct {
	Text      string
	CreatedAt string
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.Kind == "" {
		return nil, fmt.Errorf("event has no kind")
	}
	return &event, nil
}

func parseRecord(raw json.RawMessage) postRecord {
	if len(raw) == 0 {
		return postRecord{}
	}
	fields := gjson.GetManyBytes(raw, "text", "createdAt")
	return postRecord{
		Text:      stringField(fields[0]),
		CreatedAt: stringField(fields[1]),
	}
}

func stringField(v gjson.Result) string {
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}
