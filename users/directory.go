// Package users reads public profile data owned by the profile service.
package users

import (
	"context"
	"fmt"
	"sync"

	"socialchat/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Directory interface {
	// Canonical returns the spelling of id that participants are stored and
	// routed under. Ids the directory cannot parse are returned unchanged.
	Canonical(id string) string
	Exists(ctx context.Context, id string) (bool, error)
	// Profiles returns the profiles it knows; unknown ids are absent.
	Profiles(ctx context.Context, ids []string) (map[string]models.PublicProfile, error)
}

// MongoDirectory looks users up in the shared users collection, whose ids are
// ObjectIDs. Ids that are not ObjectID hex never match.
type MongoDirectory struct {
	users *mongo.Collection
}

func NewMongoDirectory(users *mongo.Collection) *MongoDirectory {
	return &MongoDirectory{users: users}
}

// Canonical lowercases ObjectID hex, which ObjectIDFromHex accepts in
// either case.
func (d *MongoDirectory) Canonical(id string) string {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid.Hex()
	}
	return id
}

func (d *MongoDirectory) Exists(ctx context.Context, id string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	n, err := d.users.CountDocuments(ctx, bson.M{"_id": oid}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return n > 0, nil
}

func (d *MongoDirectory) Profiles(ctx context.Context, ids []string) (map[string]models.PublicProfile, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	out := make(map[string]models.PublicProfile, len(oids))
	if len(oids) == 0 {
		return out, nil
	}

	opts := options.Find().SetProjection(bson.M{"username": 1, "name": 1, "avatar": 1})
	cursor, err := d.users.Find(ctx, bson.M{"_id": bson.M{"$in": oids}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	defer cursor.Close(ctx)

	var found []models.User
	if err := cursor.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	for i := range found {
		p := found[i].Public()
		out[p.ID] = p
	}
	return out, nil
}

// MemoryDirectory is a fixed set of profiles, for tests and local runs.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.PublicProfile
}

func NewMemoryDirectory(profiles ...models.PublicProfile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]models.PublicProfile)}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *MemoryDirectory) Add(p models.PublicProfile) {
	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) Canonical(id string) string { return id }

func (d *MemoryDirectory) Exists(_ context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.profiles[id]
	return ok, nil
}

func (d *MemoryDirectory) Profiles(_ context.Context, ids []string) (map[string]models.PublicProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]models.PublicProfile, len(ids))
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// OpenDirectory accepts every id and knows no profiles. Used when peer
// verification is disabled.
type OpenDirectory struct{}

func (OpenDirectory) Canonical(id string) string { return id }

func (OpenDirectory) Exists(context.Context, string) (bool, error) { return true, nil }

func (OpenDirectory) Profiles(context.Context, []string) (map[string]models.PublicProfile, error) {
	return map[string]models.PublicProfile{}, nil
}
