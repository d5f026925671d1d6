package backend

import (
	"context"
	"net/http"
	"strings"

	"github.com/offerforge/offerforge/core/offer"
)

// Demo renders a deterministic offer document locally. It never fails and
// performs no I/O, which makes it the safe fallback for every misconfigured
// deployment.
type Demo struct{}

func (Demo) Mode() Mode { return ModeDemo }

func (Demo) Generate(_ context.Context, oc offer.Context) (*Result, error) {
	return &Result{
		Text:       RenderDemo(oc),
		HTTPStatus: http.StatusOK,
		Endpoint:   "demo",
	}, nil
}

// RenderDemo substitutes the context into the fixed demo template. Empty
// fields render as an em-dash placeholder.
func RenderDemo(oc offer.Context) string {
	lines := []string{
		"**Angebotsentwurf (Demo-Modus)**",
		"",
		"Kunde: " + offer.OrDash(oc.Customer),
		"Kategorie: " + offer.OrDash(oc.Category),
		"Primäres Ziel: " + offer.OrDash(oc.PrimaryGoal),
		"Sekundäre Ziele: " + offer.OrDash(oc.SecondaryGoals),
		"",
		"**Kundensituation**",
		offer.OrDash(oc.Situation),
		"",
		"**Leistungsumfang (Beispiel)**",
		offer.OrDash(oc.Scope),
		"",
		"**Detailbeschreibung**",
		offer.OrDash(oc.DetailDescription),
		"",
		"Gesamtaufwand (PT): " + offer.FormatPT(oc.PT),
		"",
		"Hinweis: Dieser Inhalt wurde lokal generiert, da die API aktuell im Demo-Modus ist.",
	}
	return strings.Join(lines, "\n")
}
