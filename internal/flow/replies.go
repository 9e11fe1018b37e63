package flow

// Bot reply copy. All replies are session text.
const (
	ReplyHandover        = "Klar, ich gebe direkt an einen Kollegen weiter 👌"
	ReplyAskAds          = "Top. Schaltest du aktuell Ads? (Ja/Nein)"
	ReplyNoAds           = "Danke für deine Offenheit 🙌 Aktuell passt es noch nicht ideal. Wenn sich das ändert, melde dich gerne wieder."
	ReplyAskLeads        = "Wie viele Leads generierst du ungefähr pro Monat?"
	ReplyRepeatAds       = "Kannst du mit Ja oder Nein antworten? Schaltest du aktuell Ads?"
	ReplyTooFewLeads     = "Danke dir 🙏 Unter 100 Leads/Monat ist unser Setup meist noch zu früh. Ich kann dir gern später nochmal schreiben."
	ReplyQualified       = "Perfekt, das klingt passend ✅ Ich schicke dir jetzt einen Terminvorschlag."
	ReplyRepeatLeadCount = "Kannst du eine grobe Zahl nennen (z. B. 80, 150, 400)?"
)

// handoverKeywords hand the conversation to a human from any state.
var handoverKeywords = map[string]bool{
	"mitarbeiter": true,
	"berater":     true,
	"anrufen":     true,
}
