package assistant

import "strings"

type guide struct {
	keywords []string
	answer   string
}

// Checked in order; the first guide with a matching keyword answers.
var guides = []guide{
	{
		keywords: []string{"bleed", "blood", "cut", "wound"},
		answer: "Apply firm, direct pressure to the wound with a clean cloth or bandage. " +
			"Keep pressing and do not remove soaked cloth; add more on top. " +
			"Raise the injured area above the heart if you can. Help is on the way.",
	},
	{
		keywords: []string{"chest pain", "heart attack", "chest", "heart"},
		answer: "Have the person sit down, rest and stay calm. Loosen tight clothing. " +
			"If they are not allergic, give one adult aspirin to chew. " +
			"If they become unresponsive and stop breathing normally, start CPR.",
	},
	{
		keywords: []string{"breath", "choking", "choke", "asthma"},
		answer: "Help the person sit upright and loosen tight clothing. " +
			"If they have an inhaler, help them use it. " +
			"If they are choking and cannot speak, give firm back blows followed by abdominal thrusts.",
	},
	{
		keywords: []string{"burn", "scald", "fire"},
		answer: "Cool the burn under cool running water for at least 20 minutes. " +
			"Remove rings or tight items near the burn. Do not apply ice, butter or creams. " +
			"Cover loosely with a clean, non-fluffy dressing or cling film.",
	},
}

const defaultAnswer = "Stay calm and stay with the patient. Keep them still and comfortable, " +
	"watch their breathing, and keep your phone nearby. Your emergency has been sent to " +
	"responders. Tell me what is happening (bleeding, chest pain, breathing trouble, burns) " +
	"for specific first-aid steps."

// Fallback answers text from the scripted first-aid guide.
func Fallback(text string) string {
	lower := strings.ToLower(text)
	for _, g := range guides {
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				return g.answer
			}
		}
	}
	return defaultAnswer
}
