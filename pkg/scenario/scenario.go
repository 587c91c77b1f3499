// Package scenario turns exposure findings into plausible-misuse
// narratives. Generation is strictly template-based over already-computed
// risk data: this package performs no network access, no querying of
// third-party platforms, and no probing of any kind.
package scenario

import (
	"fmt"
	"sort"

	"github.com/tracelight-io/tracelight/pkg/common"
)

type template struct {
	misuse     string
	impact     string
	highImpact string
	likelihood string
}

// templates maps each exposure category to its static misuse narrative.
// High and critical findings swap in the escalated impact text and raise
// the likelihood one step.
var templates = map[common.ExposureCategory]template{
	common.CategoryBiometricIdentity: {
		misuse:     "Identity impersonation using synthetic media",
		impact:     "Fraud, social engineering, unauthorized access attempts",
		highImpact: "Fraud, social engineering, unauthorized access attempts",
		likelihood: "High",
	},
	common.CategoryVoiceBiometric: {
		misuse:     "Voice cloning for impersonation calls",
		impact:     "Fraudulent voice verification, vishing against contacts",
		highImpact: "Fraudulent voice verification, vishing against contacts",
		likelihood: "High",
	},
	common.CategoryGeolocation: {
		misuse:     "Location-based targeting and movement profiling",
		impact:     "Routine tracking and profiling",
		highImpact: "Physical targeting, stalking, burglary timing",
		likelihood: "Medium",
	},
	common.CategoryOrganizationalAffiliation: {
		misuse:     "Spear-phishing and impersonation of organizational role",
		impact:     "Credential theft, internal system compromise",
		highImpact: "Credential theft, internal system compromise",
		likelihood: "High",
	},
	common.CategoryBehavioralActivity: {
		misuse:     "Behavioral profiling and reputation manipulation",
		impact:     "Blackmail, targeted social engineering",
		highImpact: "Blackmail, targeted social engineering",
		likelihood: "Medium",
	},
	common.CategoryDigitalDevice: {
		misuse:     "Device fingerprint correlation across platforms",
		impact:     "Cross-platform tracking, account linkage",
		highImpact: "Cross-platform tracking, account takeover staging",
		likelihood: "Medium",
	},
	common.CategoryTemporalPattern: {
		misuse:     "Routine prediction from recurring activity windows",
		impact:     "Schedule inference and absence prediction",
		highImpact: "Timed physical or digital targeting",
		likelihood: "Medium",
	},
}

const genericMisuse = "Exploitation of exposed personal information"
const genericImpact = "Profiling and targeted social engineering"

// Generate emits one scenario per finding. A finding whose category has
// no template still gets a generic scenario; the accompanying error slice
// carries an *common.UnrecognizedCategoryError for each such category so
// the run report can surface it. Errors here never abort a run.
func Generate(findings []common.ExposureFinding) ([]common.Scenario, []error) {
	scenarios := make([]common.Scenario, 0, len(findings))
	var errs []error
	flagged := map[common.ExposureCategory]struct{}{}

	for _, f := range findings {
		tpl, ok := templates[f.Category]
		if !ok {
			if _, seen := flagged[f.Category]; !seen {
				flagged[f.Category] = struct{}{}
				errs = append(errs, &common.UnrecognizedCategoryError{Category: f.Category})
			}
			tpl = template{
				misuse:     genericMisuse,
				impact:     genericImpact,
				highImpact: genericImpact,
				likelihood: "Medium",
			}
		}

		impact := tpl.impact
		likelihood := tpl.likelihood
		if f.Severity.AtLeastHigh() {
			impact = tpl.highImpact
			likelihood = escalate(tpl.likelihood)
		}

		evidence := append([]string(nil), f.Evidence...)
		sort.Strings(evidence)

		scenarios = append(scenarios, common.Scenario{
			FindingID:  f.ID,
			Category:   f.Category,
			Severity:   f.Severity,
			Text:       fmt.Sprintf("%s severity %s exposure: %s. Potential impact: %s.", f.Severity, f.Category, tpl.misuse, impact),
			Misuse:     tpl.misuse,
			Impact:     impact,
			Likelihood: likelihood,
			Evidence:   evidence,
		})
	}

	sort.Slice(scenarios, func(i, j int) bool {
		if scenarios[i].FindingID != scenarios[j].FindingID {
			return scenarios[i].FindingID < scenarios[j].FindingID
		}
		return scenarios[i].Category < scenarios[j].Category
	})
	return scenarios, errs
}

func escalate(likelihood string) string {
	switch likelihood {
	case "Low":
		return "Medium"
	case "Medium":
		return "High"
	default:
		return likelihood
	}
}
