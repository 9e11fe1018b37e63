// Package templates holds the pre-approved WhatsApp template copy and renders it.
package templates

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

var (
	// ErrUnknownTemplate is returned for names missing from the registry.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrMissingVariable is returned when a placeholder has no value.
	ErrMissingVariable = errors.New("missing template variable")
)

// Template names.
const (
	LeadWelcome           = "lead_welcome_v1"
	LeadNudge             = "lead_nudge_v1"
	LeadFollowup24h       = "lead_followup_24h_v1"
	LeadFollowup48h       = "lead_followup_48h_v1"
	AppointmentReminder22 = "appointment_reminder_22h_v1"
	AppointmentReminder55 = "appointment_reminder_55m_v1"
	AppointmentReminder5  = "appointment_reminder_5m_v1"
)

var registry = map[string]string{
	LeadWelcome:           "Hey {first_name}, danke für deine Anfrage 🙌 Ich hätte kurz 2 Fragen. Passt das?",
	LeadNudge:             "Kurzer Reminder zu meiner Frage von eben 🙂 Wenn du magst, antworte einfach mit Ja.",
	LeadFollowup24h:       "Hi {first_name}, im Call zeige ich dir den Bot live. Soll ich dir einen Slot schicken?",
	LeadFollowup48h:       "Wenn du willst, starten wir risikofrei als Pilot. Soll ich dir 2 Terminvorschläge senden?",
	AppointmentReminder22: "Reminder zu deinem Termin morgen um {time}. Wie viele Leads/Monat habt ihr aktuell?",
	AppointmentReminder55: "In 55 Minuten geht's los 👍 Hier ist nochmal dein Link: {link}",
	AppointmentReminder5:  "Start in 5 Minuten – bis gleich 👋",
}

var taskTemplates = map[models.TaskType]string{
	models.TaskNudge30m:    LeadNudge,
	models.TaskFollowup24h: LeadFollowup24h,
	models.TaskFollowup48h: LeadFollowup48h,
	models.TaskReminder22h: AppointmentReminder22,
	models.TaskReminder55m: AppointmentReminder55,
	models.TaskReminder5m:  AppointmentReminder5,
}

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// Render fills the {key} placeholders of the named template from vars.
// Extra vars are ignored.
func Render(name string, vars map[string]string) (string, error) {
	body, ok := registry[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var missing []string
	out := placeholder.ReplaceAllStringFunc(body, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s needs %v", ErrMissingVariable, name, missing)
	}
	return out, nil
}

// TemplateForTask returns the template sent when a task of type t fires.
func TemplateForTask(t models.TaskType) (string, bool) {
	name, ok := taskTemplates[t]
	return name, ok
}

// Names lists the registered template names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
