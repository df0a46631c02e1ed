package medication

// Order is one medication order row read from the patient's EHR.
type Order struct {
	CompositionID  string `json:"composition_id"`
	MedicationName string `json:"medication_name"`
	Dose           string `json:"dose"`
}

type ListResponse struct {
	Medications []Order `json:"medications"`
}
