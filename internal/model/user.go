package model

import "strings"

type (
	// Peer is a user as returned by the index and search endpoints.
	Peer struct {
		ID            string `json:"id"`
		FirstName     string `json:"first_name"`
		LastName      string `json:"last_name"`
		Email         string `json:"email"`
		WalletAddress string `json:"wallet_address,omitempty"`
		AvatarURL     string `json:"avatar_url,omitempty"`
	}

	// IndexRow is one item of GET /conversations/index/.
	IndexRow struct {
		Peer
		LastText     string
		UpdatedAt    string
		Unread       int
		HasPublicKey bool
	}

	BootStatus struct {
		ID           string
		Email        string
		HasPublicKey bool
	}
)

func (p Peer) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name != "" {
		return name
	}
	if p.Email != "" {
		return p.Email
	}
	return p.ID
}
