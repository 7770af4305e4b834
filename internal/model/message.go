package model

import "time"

type (
	// Envelope is the wire and storage form of one encrypted message. All
	// binary fields are base64 strings.
	Envelope struct {
		ServerID     string    `json:"id,omitempty"`
		SenderID     string    `json:"sender"`
		ReceiverID   string    `json:"receiver"`
		Ciphertext   string    `json:"encrypted_message"`
		IV           string    `json:"iv"`
		MAC          string    `json:"mac"`
		WrapReceiver string    `json:"encrypted_key,omitempty"`
		WrapSender   string    `json:"encrypted_key_sender,omitempty"`
		WrapForMe    string    `json:"encrypted_key_for_me,omitempty"`
		CreatedAt    time.Time `json:"timestamp"`
		ClientTempID string    `json:"client_temp_id,omitempty"`
		IsRead       bool      `json:"is_read,omitempty"`
	}

	// OutboundFrame is what the client writes on the realtime channel.
	OutboundFrame struct {
		ReceiverID   string `json:"receiver_id"`
		Ciphertext   string `json:"encrypted_message"`
		IV           string `json:"iv"`
		MAC          string `json:"mac"`
		WrapReceiver string `json:"encrypted_key"`
		WrapSender   string `json:"encrypted_key_sender"`
		ClientTempID string `json:"client_temp_id,omitempty"`
	}

	// Message is the decrypted, UI-facing form.
	Message struct {
		ID        string    `json:"id"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
		AuthorID  string    `json:"author_id"`
		IsMine    bool      `json:"is_mine"`
	}

	PeerMeta struct {
		FirstName    string `json:"first_name,omitempty"`
		LastName     string `json:"last_name,omitempty"`
		Email        string `json:"email,omitempty"`
		AvatarURL    string `json:"avatar_url,omitempty"`
		HasPublicKey bool   `json:"has_public_key,omitempty"`
	}

	// Thread aggregates one conversation partner for the thread index.
	Thread struct {
		PeerID      string    `json:"peer_id"`
		DisplayName string    `json:"display_name"`
		PeerMeta    PeerMeta  `json:"peer_meta"`
		LastText    string    `json:"last_text"`
		UpdatedAt   time.Time `json:"updated_at"`
		UnreadCount int       `json:"unread_count"`
	}

	// HistoryPage is one page of GET /conversations/{peer}/.
	HistoryPage struct {
		Results  []Envelope
		NextPage int
		Count    int
	}
)

// Partner returns the other side of the envelope from self's point of view.
func (e *Envelope) Partner(self string) string {
	if e.SenderID == self {
		return e.ReceiverID
	}
	return e.SenderID
}

func (e *Envelope) Frame() OutboundFrame {
	return OutboundFrame{
		ReceiverID:   e.ReceiverID,
		Ciphertext:   e.Ciphertext,
		IV:           e.IV,
		MAC:          e.MAC,
		WrapReceiver: e.WrapReceiver,
		WrapSender:   e.WrapSender,
		ClientTempID: e.ClientTempID,
	}
}
