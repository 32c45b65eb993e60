package models

// FallbackAvatar is shown for participants the user directory has no record of.
const FallbackAvatar = "https://upload.wikimedia.org/wikipedia/commons/8/89/Portrait_Placeholder.png"

// PublicProfile is the subset of a user's profile shown as a chat partner.
type PublicProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

// UnknownProfile is rendered when the directory has no record for id.
func UnknownProfile(id string) PublicProfile {
	return PublicProfile{
		ID:     id,
		Name:   "Unknown",
		Avatar: FallbackAvatar,
	}
}
