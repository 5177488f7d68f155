package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
)

// HeuristicModelVersion identifies heuristic output in cache fingerprints.
const HeuristicModelVersion = "heuristic/v1"

const (
	summaryMaxChars     = 240
	urgentBodyWindow    = 500
	actionBodyWindow    = 1000
	entityImportanceCap = 0.2
	maxTopics           = 4
)

var (
	urgentKeywords = []string{"urgent", "asap", "immediately", "deadline", "important", "critical"}
	actionKeywords = []string{"please", "request", "action", "review", "approve", "confirm"}

	positiveWords = wordSet("thanks", "thank", "great", "good", "excellent", "happy", "glad", "appreciate", "congratulations", "pleased", "love", "awesome", "success", "perfect", "welcome")
	negativeWords = wordSet("unfortunately", "problem", "issue", "failed", "failure", "angry", "disappointed", "sorry", "delay", "delayed", "bad", "wrong", "complaint", "concern", "error", "broken", "cancel", "cancelled")
	stopWords     = wordSet("the", "and", "for", "that", "this", "with", "you", "your", "are", "was", "have", "has", "will", "from", "not", "but", "our", "can", "all", "any", "please", "thanks", "would", "could", "should", "about", "there", "their", "they", "them", "what", "when", "which", "who", "been", "were", "into", "also", "just", "let", "know", "hi", "hello", "regards", "best", "dear")

	orgSuffixes = []string{"Inc", "Corp", "Corporation", "LLC", "Ltd", "GmbH", "Group", "Company", "Co", "Bank", "University"}

	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	namePattern     = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-zA-Z]+)+\b`)
	sentenceEnd     = regexp.MustCompile(`[.!?](\s|$)`)
	bulletPrefix    = regexp.MustCompile(`^\s*(?:[-*\x{2022}]|\d+[.)])\s+`)
	requestSentence = regexp.MustCompile(`(?i)\b(please|can you|could you|kindly|make sure|don't forget)\b`)

	categoryKeywords = map[string][]string{
		"Urgent":          {"urgent", "asap", "immediately", "critical"},
		"Action Required": {"please", "action required", "approve", "review", "confirm", "sign"},
		"Meeting":         {"meeting", "call", "agenda", "calendar", "invite", "schedule"},
		"Information":     {"fyi", "for your information", "update", "note", "announcement"},
		"Project Update":  {"project", "milestone", "sprint", "status", "roadmap", "release"},
		"External Client": {"client", "customer", "contract", "proposal"},
		"Internal Team":   {"team", "standup", "all-hands", "internal"},
		"Personal":        {"birthday", "family", "vacation", "weekend", "dinner"},
		"Marketing":       {"campaign", "newsletter", "promotion", "webinar", "unsubscribe"},
		"Sales":           {"deal", "pricing", "quote", "lead", "pipeline", "discount"},
		"HR":              {"benefits", "payroll", "onboarding", "leave", "hiring", "interview"},
		"Finance":         {"invoice", "budget", "payment", "expense", "quarterly", "revenue", "report"},
		"Technical":       {"bug", "deploy", "server", "api", "outage", "database", "error"},
	}
)

func wordSet(words ...string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

// HeuristicCapability answers every stage locally from word lists and
// patterns. It never fails for content reasons and needs no network.
type HeuristicCapability struct {
	categories map[string]bool
}

func NewHeuristicCapability(categories []string) *HeuristicCapability {
	if len(categories) == 0 {
		categories = intellimail.DefaultCategories
	}
	h := &HeuristicCapability{categories: map[string]bool{}}
	for _, c := range categories {
		h.categories[c] = true
	}
	return h
}

func (h *HeuristicCapability) Invoke(ctx context.Context, req intellimail.StageRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subject, body := req.Content.Subject, req.Content.Body
	var out any
	switch req.Stage {
	case intellimail.StageSummarize:
		out = map[string]string{"summary": Summarize(subject, body)}
	case intellimail.StageSentiment:
		out = map[string]float64{"score": SentimentScore(body)}
	case intellimail.StageEntities:
		out = map[string]any{"entities": ExtractEntities(body), "topics": ExtractTopics(body)}
	case intellimail.StageCategorize:
		out = map[string][]string{"categories": h.Categorize(subject, body)}
	case intellimail.StageImportance:
		entities := req.Prior.Entities
		if req.Prior.Status(intellimail.StageEntities) != intellimail.StageDone {
			entities = ExtractEntities(body)
		}
		out = map[string]float64{"score": ImportanceScore(subject, body, entities)}
	case intellimail.StageActionItems:
		out = map[string][]string{"action_items": ExtractActionItems(body)}
	default:
		return nil, intellimail.Permanent(fmt.Errorf("heuristic: unsupported stage %s", req.Stage))
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Summarize returns the lead sentence of the body, or the subject when the
// body has no usable text.
func Summarize(subject, body string) string {
	text := strings.Join(strings.Fields(body), " ")
	if text == "" {
		if s := strings.TrimSpace(subject); s != "" {
			return s
		}
		return "No content to analyze"
	}
	if loc := sentenceEnd.FindStringIndex(text); loc != nil {
		text = text[:loc[0]+1]
	}
	if runes := []rune(text); len(runes) > summaryMaxChars {
		text = strings.TrimSpace(string(runes[:summaryMaxChars])) + "..."
	}
	return text
}

// SentimentScore maps positive and negative word counts onto [0, 1] with 0.5
// for balanced or neutral text.
func SentimentScore(body string) float64 {
	var pos, neg int
	for _, word := range words(body) {
		switch {
		case positiveWords[word]:
			pos++
		case negativeWords[word]:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0.5
	}
	return clamp(0.5+0.5*float64(pos-neg)/float64(pos+neg+1), 0, 1)
}

func ExtractEntities(body string) []intellimail.Entity {
	seen := map[string]bool{}
	entities := []intellimail.Entity{}
	add := func(text, label string) {
		text = strings.TrimSpace(text)
		if text == "" || seen[text] {
			return
		}
		seen[text] = true
		entities = append(entities, intellimail.Entity{Text: text, Label: label})
	}
	for _, addr := range emailPattern.FindAllString(body, -1) {
		add(addr, "EMAIL")
	}
	for _, name := range namePattern.FindAllString(body, -1) {
		add(name, nameLabel(name))
	}
	return entities
}

func nameLabel(name string) string {
	parts := strings.Fields(name)
	last := strings.TrimRight(parts[len(parts)-1], ".,")
	for _, suffix := range orgSuffixes {
		if last == suffix {
			return "ORG"
		}
	}
	return "PERSON"
}

// ExtractTopics returns up to four of the most frequent content words.
func ExtractTopics(body string) []string {
	counts := map[string]int{}
	for _, word := range words(body) {
		if len(word) < 4 || stopWords[word] {
			continue
		}
		counts[word]++
	}
	topics := make([]string, 0, len(counts))
	for word := range counts {
		topics = append(topics, word)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	return topics
}

func (h *HeuristicCapability) Categorize(subject, body string) []string {
	text := strings.ToLower(subject + "\n" + body)
	out := []string{}
	for _, category := range intellimail.DefaultCategories {
		if !h.categories[category] {
			continue
		}
		for _, keyword := range categoryKeywords[category] {
			if containsWord(text, keyword) {
				out = append(out, category)
				break
			}
		}
	}
	return out
}

// ImportanceScore weighs urgency words in the subject and the start of the
// body, request words, and the number of people and organisations named.
func ImportanceScore(subject, body string, entities []intellimail.Entity) float64 {
	lowerSubject := strings.ToLower(subject)
	lowerBody := strings.ToLower(body)
	score := 0.0
	if containsAny(lowerSubject, urgentKeywords) {
		score += 0.4
	}
	if containsAny(prefix(lowerBody, urgentBodyWindow), urgentKeywords) {
		score += 0.2
	}
	if containsAny(prefix(lowerBody, actionBodyWindow), actionKeywords) {
		score += 0.2
	}
	named := 0
	for _, e := range entities {
		if e.Label == "PERSON" || e.Label == "ORG" {
			named++
		}
	}
	score += min(float64(named)*0.05, entityImportanceCap)
	return clamp(score, 0, 1)
}

// ExtractActionItems keeps bullet lines and sentences that ask for something.
func ExtractActionItems(body string) []string {
	items := []string{}
	seen := map[string]bool{}
	add := func(item string) {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			return
		}
		seen[item] = true
		items = append(items, item)
	}
	for _, line := range strings.Split(body, "\n") {
		if bulletPrefix.MatchString(line) {
			add(bulletPrefix.ReplaceAllString(line, ""))
			continue
		}
		for _, sentence := range splitSentences(line) {
			if requestSentence.MatchString(sentence) {
				add(sentence)
			}
		}
	}
	return items
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[start:loc[0]+1])
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func containsWord(text, keyword string) bool {
	for idx := strings.Index(text, keyword); idx >= 0; {
		end := idx + len(keyword)
		before := idx == 0 || !isWordByte(text[idx-1])
		after := end >= len(text) || !isWordByte(text[end])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], keyword)
		if next < 0 {
			return false
		}
		idx += next + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func prefix(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
