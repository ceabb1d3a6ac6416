package memory

import "time"

// FactType classifies a stored fact. The set of valid values is closed;
// extraction output carrying an unknown type is rejected before it reaches
// the store.
type FactType string

const (
	FactPreference   FactType = "preference"
	FactEvent        FactType = "event"
	FactRelationship FactType = "relationship"
	FactPersonalInfo FactType = "personal_info"
	FactGoal         FactType = "goal"
	FactHabit        FactType = "habit"
	FactOther        FactType = "other"
)

// FactTypes lists all valid fact types in canonical order.
var FactTypes = []FactType{
	FactPreference,
	FactEvent,
	FactRelationship,
	FactPersonalInfo,
	FactGoal,
	FactHabit,
	FactOther,
}

// IsValid reports whether t is one of the known fact types.
func (t FactType) IsValid() bool {
	switch t {
	case FactPreference, FactEvent, FactRelationship, FactPersonalInfo,
		FactGoal, FactHabit, FactOther:
		return true
	}
	return false
}

// Fact is a single structured statement about a user, scoped to one
// user/character pair. At most one live value exists per
// (UserID, CharacterID, Type, Key); newer writes overwrite older ones.
type Fact struct {
	// UserID identifies the user the fact is about.
	UserID string

	// CharacterID identifies the companion character the fact was learned with.
	CharacterID string

	// Type classifies the fact (preference, event, …).
	Type FactType

	// Key is the stable identifier of the fact within its type
	// (e.g., "pet_name", "favorite_food"). At most 255 characters.
	Key string

	// Value is the current value for Key.
	Value string

	// LastUpdated is the timestamp of the conversation turn the fact was
	// extracted from. Conflict resolution compares this field, not arrival
	// order.
	LastUpdated time.Time
}

// ConversationSnippet is an immutable chunk of conversation text stored in the
// vector index together with its embedding.
type ConversationSnippet struct {
	// ID is the unique identifier for this snippet (a UUID).
	ID string

	// UserID identifies the user the conversation belongs to.
	UserID string

	// CharacterID identifies the companion character in the conversation.
	CharacterID string

	// Content is the raw chunk text.
	Content string

	// Embedding is the vector representation of Content. Its length must
	// match the index dimension configured at store creation.
	Embedding []float32

	// CreatedAt is when the snippet was recorded.
	CreatedAt time.Time
}

// SnippetResult pairs a retrieved snippet with its cosine similarity to the
// query embedding. Higher Similarity values indicate closer matches.
type SnippetResult struct {
	// Snippet is the retrieved conversation chunk.
	Snippet ConversationSnippet

	// Similarity is the cosine similarity to the query embedding, in [-1, 1].
	Similarity float64
}

// Tenant identifies one user/character memory scope.
type Tenant struct {
	UserID      string
	CharacterID string
}

// Stats summarises the stored memory for one tenant.
type Stats struct {
	// FactsByType counts live facts per fact type. Types with zero facts are
	// omitted.
	FactsByType map[FactType]int

	// FactCount is the total number of live facts.
	FactCount int

	// SnippetCount is the number of stored conversation snippets.
	SnippetCount int
}
