package safety

// RecallSeverity maps an enforcement-report classification to an alert
// severity. Class I is reasonably likely to cause serious harm or death.
func RecallSeverity(classification string) Severity {
	switch classification {
	case "Class I":
		return SeverityCritical
	case "Class II":
		return SeverityHigh
	case "Class III":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RecallAction returns the required-action text for a recall alert of the
// given severity.
func RecallAction(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "Stop taking this medication immediately and contact your healthcare provider"
	case SeverityHigh:
		return "Contact your healthcare provider about alternatives"
	case SeverityMedium:
		return "Monitor for symptoms and consult your pharmacist"
	default:
		return "Consult your pharmacist if you have concerns"
	}
}
