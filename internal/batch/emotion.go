package batch

import "strings"

// emotionLexicon maps keyword stems to a coarse emotion label. A local,
// non-LLM classifier: cheap enough to run on every message inline with
// mention extraction.
var emotionLexicon = map[string]string{
	"happy": "happy", "glad": "happy", "excited": "happy", "great": "happy",
	"thrilled": "happy", "love": "happy", "awesome": "happy",
	"sad": "sad", "down": "sad", "depressed": "sad", "upset": "sad",
	"lonely": "sad", "miserable": "sad",
	"stressed": "stressed", "overwhelmed": "stressed", "anxious": "stressed",
	"worried": "stressed", "nervous": "stressed", "pressure": "stressed",
	"angry": "angry", "furious": "angry", "frustrated": "angry", "annoyed": "angry",
	"tired": "tired", "exhausted": "tired", "drained": "tired",
	"calm": "calm", "relaxed": "calm", "peaceful": "calm", "content": "calm",
}

// ClassifyEmotion assigns a coarse label to text by first keyword hit,
// falling back to "neutral". Ties resolve to whichever keyword occurs
// earliest in the text.
func ClassifyEmotion(text string) string {
	lower := strings.ToLower(text)
	bestIdx := -1
	bestLabel := "neutral"
	for kw, label := range emotionLexicon {
		if idx := strings.Index(lower, kw); idx >= 0 {
			if bestIdx == -1 || idx < bestIdx {
				bestIdx = idx
				bestLabel = label
			}
		}
	}
	return bestLabel
}
