// Package vocab holds the closed bilingual word tables shared by the
// conversation memory, the intent recognizer and the fallback strategies.
package vocab

import "strings"

// Room maps a canonical room name to the surface forms that refer to it.
type Room struct {
	Name     string
	Patterns []string
}

// Rooms is checked in order; the first room with a matching pattern wins.
var Rooms = []Room{
	{Name: "living room", Patterns: []string{"客厅", "living room", "living", "客廳"}},
	{Name: "bedroom", Patterns: []string{"卧室", "bedroom", "bed room", "臥室"}},
	{Name: "kitchen", Patterns: []string{"厨房", "kitchen", "廚房"}},
	{Name: "bathroom", Patterns: []string{"浴室", "bathroom", "bath room", "洗手间", "洗手間"}},
	{Name: "study", Patterns: []string{"书房", "study", "study room", "書房"}},
	{Name: "dining room", Patterns: []string{"餐厅", "dining room", "dining", "餐廳"}},
	{Name: "balcony", Patterns: []string{"阳台", "balcony", "陽台"}},
	{Name: "garage", Patterns: []string{"车库", "garage", "車庫"}},
	{Name: "hallway", Patterns: []string{"走廊", "hallway", "corridor"}},
	{Name: "entrance", Patterns: []string{"入口", "entrance", "entry", "玄关", "玄關"}},
}

// Pronouns are the demonstratives that refer to the most recently
// mentioned device.
var Pronouns = []string{"它", "that", "it", "这个", "那个", "this"}

// StopWords never name a device. They are ignored when a reference is
// matched against remembered devices.
var StopWords = []string{
	"the", "a", "an", "my", "our", "please", "turn", "set", "on", "off",
	"up", "down", "to", "too", "also", "again", "is", "are", "what", "whats",
	"how", "status", "state", "now", "current", "currently", "of", "in", "at",
}

// Fillers are Chinese particles and query phrases removed from a
// reference before matching.
var Fillers = []string{"现在", "是多少", "多少", "怎么样", "状态", "一下", "也", "吧", "吗", "呢", "？", "?"}

// BroadenRoomTokens are removed from a failed search query before retrying.
var BroadenRoomTokens = []string{"客厅", "卧室", "厨房", "浴室", "living room", "bedroom", "kitchen"}

// DeviceTypeWords are tried on their own when a search finds nothing.
var DeviceTypeWords = []string{"灯", "空调", "锁", "传感器", "light", "ac", "lock", "sensor"}

// InferRoom returns the canonical name of the first room mentioned in text.
func InferRoom(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, r := range Rooms {
		for _, p := range r.Patterns {
			if strings.Contains(lower, p) {
				return r.Name, true
			}
		}
	}
	return "", false
}

// IsPronoun reports whether text, trimmed and lowercased, is one of Pronouns.
func IsPronoun(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range Pronouns {
		if t == p {
			return true
		}
	}
	return false
}

// IsStopWord reports whether w, lowercased, is one of StopWords.
func IsStopWord(w string) bool {
	w = strings.ToLower(w)
	for _, s := range StopWords {
		if w == s {
			return true
		}
	}
	return false
}
