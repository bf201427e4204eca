package ingest

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/petalcrm/sundew/pkg/extractor"
	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
)

// Shape classifies the structural family a payload belongs to
type Shape string

const (
	ShapeFlat         Shape = "flat"
	ShapeNested       Shape = "nested"
	ShapeCloudAPI     Shape = "cloud-api"
	ShapeUnrecognized Shape = "unrecognized"
)

// Candidate field paths, tried in order. First non-empty string wins.
var (
	senderPaths = []string{
		"from",
		"sender",
		"phone",
		"number",
		"key.remoteJid",
		"data.key.remoteJid",
		"message.from",
		"entry[*].changes[*].value.messages[*].from",
	}

	bodyPaths = []string{
		"message",
		"text",
		"body",
		"message.conversation",
		"data.message.conversation",
		"message.text",
		"entry[*].changes[*].value.messages[*].text.body",
	}

	typePaths = []string{
		"type",
		"event",
		"messageType",
		"data.messageType",
	}

	idPaths = []string{
		"id",
		"messageId",
		"key.id",
		"data.key.id",
		"entry[*].changes[*].value.messages[*].id",
	}

	timestampPaths = []string{
		"timestamp",
		"messageTimestamp",
		"data.messageTimestamp",
		"entry[*].changes[*].value.messages[*].timestamp",
	}

	senderNamePaths = []string{
		"pushName",
		"data.pushName",
		"notifyName",
		"entry[*].changes[*].value.contacts[*].profile.name",
	}

	profilePicPaths = []string{
		"profilePicUrl",
		"data.profilePicUrl",
		"picture",
	}

	mediaPaths = []string{
		"mediaUrl",
		"data.mediaUrl",
		"message.imageMessage.url",
		"message.videoMessage.url",
	}

	groupNamePaths = []string{
		"groupName",
		"chatName",
		"data.groupName",
	}
)

// groupSuffix marks group chat identifiers
const groupSuffix = "@g.us"

// Normalized is the canonical form of one inbound message payload
type Normalized struct {
	MessageID     string
	Sender        string
	SenderName    *string
	Type          string
	Body          *string
	MediaURL      *string
	ProfilePicURL *string
	IsGroup       bool
	GroupName     *string
	SentAt        time.Time
	// SentAtFromPayload reports whether SentAt was carried by the payload
	// or defaulted to the receipt time.
	SentAtFromPayload bool
	Shape             Shape
	Keys              []string
}

// Normalizer maps the payload dialects gateways emit onto one canonical
// message form. It never rejects a payload; missing fields degrade to
// sentinels and defaults.
type Normalizer struct {
	extract *extractor.Extractor
	logger  ectologger.Logger
}

// NewNormalizer creates a new Normalizer
func NewNormalizer(logger ectologger.Logger) *Normalizer {
	return &Normalizer{
		extract: extractor.New(),
		logger:  logger,
	}
}

// Normalize resolves each canonical field through its candidate table
func (n *Normalizer) Normalize(payload map[string]any) *Normalized {
	out := &Normalized{
		Shape: classify(payload),
		Keys:  topLevelKeys(payload),
	}

	out.Sender = n.firstString(payload, senderPaths)
	if out.Sender == "" {
		out.Sender = models.UnknownSender
	}
	if strings.HasSuffix(out.Sender, groupSuffix) {
		out.IsGroup = true
		out.GroupName = n.firstStringPtr(payload, groupNamePaths)
	}

	out.Body = n.firstStringPtr(payload, bodyPaths)

	out.Type = n.firstString(payload, typePaths)
	if out.Type == "" {
		if out.Body != nil {
			out.Type = "text"
		} else {
			out.Type = "unknown"
		}
	}

	out.MessageID = n.firstString(payload, idPaths)
	out.SentAt, out.SentAtFromPayload = n.timestamp(payload)
	out.SenderName = n.firstStringPtr(payload, senderNamePaths)
	out.ProfilePicURL = n.firstStringPtr(payload, profilePicPaths)
	out.MediaURL = n.firstStringPtr(payload, mediaPaths)

	metrics.PayloadShapesTotal.WithLabelValues(string(out.Shape)).Inc()
	return out
}

// firstString walks the candidate table and returns the first value that is
// a non-empty string. Non-string hits (such as a nested message object) are
// skipped so later candidates can still match.
func (n *Normalizer) firstString(payload map[string]any, paths []string) string {
	for _, path := range paths {
		value, err := n.extract.Extract(payload, path)
		if err != nil || value == nil {
			continue
		}
		if s, ok := value.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (n *Normalizer) firstStringPtr(payload map[string]any, paths []string) *string {
	s := n.firstString(payload, paths)
	if s == "" {
		return nil
	}
	return &s
}

// timestamp resolves the message send time, accepting unix seconds as
// number or string and RFC3339 strings. Defaults to now, and reports
// whether the payload itself carried the time.
func (n *Normalizer) timestamp(payload map[string]any) (time.Time, bool) {
	for _, path := range timestampPaths {
		value, err := n.extract.Extract(payload, path)
		if err != nil || value == nil {
			continue
		}

		switch v := value.(type) {
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0).UTC(), true
			}
		case string:
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
				return time.Unix(unix, 0).UTC(), true
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Now().UTC(), false
}

// classify buckets the payload into one of the known structural families
func classify(payload map[string]any) Shape {
	if _, ok := payload["entry"].([]any); ok {
		return ShapeCloudAPI
	}
	if _, ok := payload["data"].(map[string]any); ok {
		return ShapeNested
	}
	if _, ok := payload["key"].(map[string]any); ok {
		return ShapeNested
	}

	for _, key := range []string{"from", "sender", "phone", "number"} {
		if _, ok := payload[key].(string); ok {
			return ShapeFlat
		}
	}

	return ShapeUnrecognized
}

// TopLevelKeys returns the payload's top-level keys, sorted. They are
// retained on every event so unrecognized dialects can be diagnosed later.
func TopLevelKeys(payload map[string]any) []string {
	return topLevelKeys(payload)
}

func topLevelKeys(payload map[string]any) []string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
