package matching

import (
	"fmt"
	"sort"
	"strings"
)

// Mood is the conversation intent a user declares when searching.
type Mood string

const (
	MoodSad          Mood = "sad"
	MoodHappy        Mood = "happy"
	MoodAnxious      Mood = "anxious"
	MoodAdvice       Mood = "advice"
	MoodChat         Mood = "chat"
	MoodThoughts     Mood = "thoughts"
	MoodAngry        Mood = "angry"
	MoodLove         Mood = "love"
	MoodBored        Mood = "bored"
	MoodFriends      Mood = "friends"
	MoodRelationship Mood = "relationship"
	MoodNeutral      Mood = "neutral"
	MoodSupport      Mood = "support" // wants someone to lean on
	MoodListen       Mood = "listen"  // offers to listen
)

// MoodInfo holds presentation attributes. None of it affects matching.
type MoodInfo struct {
	Label string `json:"label"`
	Emoji string `json:"emoji"`
	Color string `json:"color"`
}

var moodInfo = map[Mood]MoodInfo{
	MoodSad:          {Label: "Sad", Emoji: "😢", Color: "#4A90E2"},
	MoodHappy:        {Label: "Happy", Emoji: "😊", Color: "#FFD93D"},
	MoodAnxious:      {Label: "Anxious", Emoji: "😰", Color: "#6BCF7F"},
	MoodAdvice:       {Label: "Advice", Emoji: "🤔", Color: "#A78BFA"},
	MoodChat:         {Label: "Fun chat", Emoji: "🎉", Color: "#FF6B6B"},
	MoodThoughts:     {Label: "Philosophical", Emoji: "💭", Color: "#667eea"},
	MoodAngry:        {Label: "Angry", Emoji: "😠", Color: "#FF8E53"},
	MoodLove:         {Label: "In love", Emoji: "😍", Color: "#FF6B9D"},
	MoodBored:        {Label: "Bored", Emoji: "🥱", Color: "#95E1D3"},
	MoodFriends:      {Label: "Looking for friends", Emoji: "👫", Color: "#4ECDC4"},
	MoodRelationship: {Label: "Looking for a relationship", Emoji: "💕", Color: "#FF9A8B"},
	MoodNeutral:      {Label: "Neutral", Emoji: "😐", Color: "#95A5A6"},
	MoodSupport:      {Label: "Need support", Emoji: "🫂", Color: "#7FB3D5"},
	MoodListen:       {Label: "Ready to listen", Emoji: "👂", Color: "#76D7C4"},
}

// ParseMood converts a wire value into a Mood, rejecting anything outside
// the closed set.
func ParseMood(s string) (Mood, error) {
	m := Mood(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("matching: %w: %q", ErrUnknownMood, s)
	}
	return m, nil
}

// Valid reports whether m belongs to the closed mood set.
func (m Mood) Valid() bool {
	_, ok := moodInfo[m]
	return ok
}

// Info returns the presentation attributes for m.
func (m Mood) Info() MoodInfo {
	return moodInfo[m]
}

// Moods returns every known mood in a stable order.
func Moods() []Mood {
	out := make([]Mood, 0, len(moodInfo))
	for m := range moodInfo {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CompatibilityTable maps a mood to the moods it accepts as partners, in
// precedence order. A mood is always compatible with itself whether or not
// the table lists it. Entries need not be symmetric.
type CompatibilityTable map[Mood][]Mood

// DefaultCompatibility returns the built-in table. Moods missing from it
// only ever match themselves.
func DefaultCompatibility() CompatibilityTable {
	return CompatibilityTable{
		MoodSupport:      {MoodListen},
		MoodListen:       {MoodSupport, MoodSad, MoodAnxious},
		MoodSad:          {MoodListen, MoodAdvice},
		MoodAnxious:      {MoodListen, MoodAdvice, MoodThoughts},
		MoodAngry:        {MoodAdvice},
		MoodAdvice:       {MoodSad, MoodAnxious, MoodAngry},
		MoodBored:        {MoodChat, MoodHappy},
		MoodChat:         {MoodBored, MoodHappy, MoodFriends},
		MoodHappy:        {MoodChat},
		MoodThoughts:     {MoodAnxious},
		MoodLove:         {MoodRelationship},
		MoodRelationship: {MoodLove},
		MoodFriends:      {MoodChat},
	}
}

// Compatible returns m followed by its table entries, without duplicates.
func (t CompatibilityTable) Compatible(m Mood) []Mood {
	out := []Mood{m}
	for _, c := range t[m] {
		if !containsMood(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Preferred returns the table entries for m other than m itself.
func (t CompatibilityTable) Preferred(m Mood) []Mood {
	var out []Mood
	for _, c := range t[m] {
		if c != m && !containsMood(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks that every key and entry is a known mood.
func (t CompatibilityTable) Validate() error {
	for m, entries := range t {
		if !m.Valid() {
			return fmt.Errorf("matching: compatibility table: %w: %q", ErrUnknownMood, m)
		}
		for _, c := range entries {
			if !c.Valid() {
				return fmt.Errorf("matching: compatibility table entry for %q: %w: %q", m, ErrUnknownMood, c)
			}
		}
	}
	return nil
}

func containsMood(list []Mood, m Mood) bool {
	for _, x := range list {
		if x == m {
			return true
		}
	}
	return false
}
