// Package anonymity maps content authors to the label and avatar seed a
// viewer is allowed to see. Output never depends on who is viewing.
package anonymity

import (
	"net/url"
	"strings"

	"tigerden/api/internal/store"
)

const (
	AnonymousLabel      = "Anonymous Tiger"
	OPLabel             = "Anonymous Tiger (OP)"
	AnonymousAvatarSeed = "anonymous-tiger"
	UnknownLabel        = "Unknown"

	avatarBaseURL = "https://api.dicebear.com/9.x/bottts/svg?seed="
	auditPrefix   = 6
)

// Author is what the store knows about who wrote something.
type Author struct {
	ID    string
	Alias string
	Email string
}

// Identity is what gets rendered.
type Identity struct {
	Label      string `json:"label"`
	AvatarSeed string `json:"avatarSeed"`
	AvatarURL  string `json:"avatarUrl"`
	Anonymous  bool   `json:"anonymous"`
}

// ForPost renders a post author. Confessions are always anonymous.
func ForPost(postType store.PostType, author Author) Identity {
	if postType == store.PostConfession {
		return anonymous(AnonymousLabel)
	}
	return named(author)
}

// ForComment renders a comment author. On a confession, the confessor's own
// comments are marked OP under the anonymous seed; everyone else is named.
func ForComment(postType store.PostType, postAuthorID string, author Author) Identity {
	if postType == store.PostConfession && author.ID != "" && author.ID == postAuthorID {
		return anonymous(OPLabel)
	}
	return named(author)
}

// AuditLabel is the only author hint the confession audit view exposes.
func AuditLabel(userID string) string {
	prefix := userID
	if len(prefix) > auditPrefix {
		prefix = prefix[:auditPrefix]
	}
	if prefix == "" {
		return AnonymousLabel
	}
	return AnonymousLabel + " (" + prefix + "...)"
}

// FallbackLabel is the alias, else the email local part, else Unknown.
func FallbackLabel(alias, email string) string {
	if trimmed := strings.TrimSpace(alias); trimmed != "" {
		return trimmed
	}
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local != "" {
		return local
	}
	return UnknownLabel
}

func AvatarURL(seed string) string {
	return avatarBaseURL + url.QueryEscape(seed)
}

func anonymous(label string) Identity {
	return Identity{
		Label:      label,
		AvatarSeed: AnonymousAvatarSeed,
		AvatarURL:  AvatarURL(AnonymousAvatarSeed),
		Anonymous:  true,
	}
}

func named(author Author) Identity {
	seed := author.ID
	if seed == "" {
		seed = UnknownLabel
	}
	return Identity{
		Label:      FallbackLabel(author.Alias, author.Email),
		AvatarSeed: seed,
		AvatarURL:  AvatarURL(seed),
	}
}
