package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// User is the read model of a document in the users collection, owned by the
// profile service. Only the public fields are decoded.
type User struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username string             `bson:"username" json:"username"`
	Name     string             `bson:"name" json:"name"`
	Avatar   string             `bson:"avatar" json:"avatar"`
}

// Public renders the user as a chat partner with placeholders for blank fields.
func (u *User) Public() PublicProfile {
	p := PublicProfile{
		ID:       u.ID.Hex(),
		Username: u.Username,
		Name:     u.Name,
		Avatar:   u.Avatar,
	}
	if p.Name == "" {
		p.Name = "Unknown"
	}
	if p.Avatar == "" {
		p.Avatar = FallbackAvatar
	}
	return p
}
