package sdk

import "github.com/google/uuid"

// User is the identity flags are evaluated for. Optional string attributes
// are nil when not provided.
type User struct {
	Key       string
	Anonymous bool

	Secondary *string
	IP        *string
	Email     *string
	Name      *string
	FirstName *string
	LastName  *string
	Avatar    *string
	Country   *string

	PrivateAttributes []string
	Custom            map[string]any
}

// NewUser returns a user with the given key. An empty key yields an anonymous
// user with a randomly generated key.
func NewUser(key string) User {
	if key == "" {
		return User{Key: uuid.NewString(), Anonymous: true}
	}
	return User{Key: key}
}

// Attributes flattens the user into a single attribute map suitable for
// rule evaluation. Custom attributes never override built-in ones.
func (u User) Attributes() map[string]any {
	attrs := make(map[string]any, len(u.Custom)+10)
	for k, v := range u.Custom {
		attrs[k] = v
	}
	attrs["key"] = u.Key
	attrs["anonymous"] = u.Anonymous
	for name, value := range map[string]*string{
		"secondary": u.Secondary,
		"ip":        u.IP,
		"email":     u.Email,
		"name":      u.Name,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"avatar":    u.Avatar,
		"country":   u.Country,
	} {
		if value != nil {
			attrs[name] = *value
		}
	}
	return attrs
}
