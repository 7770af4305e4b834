package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"e2ee_messenger/internal/model"
)

// aliases maps each canonical field onto the names older schema versions
// and other producers used for it.
var aliases = map[string][]string{
	"id":                   {"message_id", "server_id"},
	"sender":               {"sender_id", "senderId"},
	"receiver":             {"receiver_id", "receiverId"},
	"encrypted_message":    {"ciphertext", "encryptedMessage"},
	"iv":                   {"nonce"},
	"mac":                  {"tag", "hmac"},
	"encrypted_key":        {"encrypted_key_for_receiver", "encryptedKeyForReceiver", "key_for_receiver"},
	"encrypted_key_sender": {"encrypted_key_for_sender", "encryptedKeySender", "encryptedKeyForSender", "key_for_sender"},
	"encrypted_key_for_me": {"my_encrypted_key", "encryptedKeyForMe"},
	"timestamp":            {"created_at", "createdAt"},
	"client_temp_id":       {"clientTempId", "temp_id", "tempId"},
	"is_read":              {"isRead", "read"},
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// DecodeEnvelope parses one raw envelope row or frame, folding aliased field
// names onto their canonical names before anything else reads them.
func DecodeEnvelope(raw []byte) (*model.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}
	Canonicalize(fields)

	env := &model.Envelope{}
	var err error
	strs := []struct {
		name string
		dst  *string
	}{
		{"id", &env.ServerID},
		{"sender", &env.SenderID},
		{"receiver", &env.ReceiverID},
		{"encrypted_message", &env.Ciphertext},
		{"iv", &env.IV},
		{"mac", &env.MAC},
		{"encrypted_key", &env.WrapReceiver},
		{"encrypted_key_sender", &env.WrapSender},
		{"encrypted_key_for_me", &env.WrapForMe},
		{"client_temp_id", &env.ClientTempID},
	}
	for _, s := range strs {
		if *s.dst, err = StringField(fields, s.name); err != nil {
			return nil, err
		}
	}

	ts, err := StringField(fields, "timestamp")
	if err != nil {
		return nil, err
	}
	if ts != "" {
		if env.CreatedAt, err = ParseTime(ts); err != nil {
			return nil, err
		}
	}

	if v, ok := fields["is_read"]; ok && present(v) {
		_ = json.Unmarshal(v, &env.IsRead)
	}

	if env.SenderID == "" || env.ReceiverID == "" || env.Ciphertext == "" {
		return nil, fmt.Errorf("%w: envelope missing sender, receiver or ciphertext", model.ErrMalformedInput)
	}
	return env, nil
}

// Canonicalize moves the first present alias onto each canonical name and
// drops the aliases.
func Canonicalize(fields map[string]json.RawMessage) {
	for canon, alts := range aliases {
		for _, alt := range alts {
			v, ok := fields[alt]
			if !ok {
				continue
			}
			if !present(fields[canon]) && present(v) {
				fields[canon] = v
			}
			delete(fields, alt)
		}
	}
}

// StringField reads a string-or-number JSON value. Numeric ids from the
// server come back as their decimal text.
func StringField(fields map[string]json.RawMessage, name string) (string, error) {
	v, ok := fields[name]
	if !ok || !present(v) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("%w: field %s", model.ErrMalformedInput, name)
	}
	return n.String(), nil
}

func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", model.ErrMalformedInput, s)
}

func present(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && !bytes.Equal(t, []byte("null")) && !bytes.Equal(t, []byte(`""`))
}
