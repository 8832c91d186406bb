package models

// Identity is an authenticated principal attached to a connection at handshake.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
	IsGuest     bool   `json:"isGuest"`
}

// Member is one entry of a room or global presence snapshot.
type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}
