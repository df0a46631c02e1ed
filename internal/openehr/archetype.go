package openehr

import "strings"

// ArchetypeInfo is the reader-facing summary of an archetype id.
type ArchetypeInfo struct {
	ArchetypeID    string  `json:"archetype_id"`
	Concept        string  `json:"concept"`
	Description    string  `json:"description"`
	CKMURL         *string `json:"ckm_url"`
	ReferenceModel string  `json:"reference_model"`
	Type           string  `json:"type"`
}

type archetypeDoc struct {
	ckm         string
	description string
}

// Known archetypes by concept and major version. Both versions of the
// observation archetypes point at the same CKM entry.
var knownArchetypes = map[string]archetypeDoc{
	"openEHR-EHR-OBSERVATION.blood_pressure.v1": {
		ckm:         "https://ckm.openehr.org/ckm/archetypes/1013.1.3574",
		description: "The local systemic arterial blood pressure which is a surrogate for arterial pressure in the systemic circulation.",
	},
	"openEHR-EHR-OBSERVATION.blood_pressure.v2": {
		ckm:         "https://ckm.openehr.org/ckm/archetypes/1013.1.3574",
		description: "The local systemic arterial blood pressure which is a surrogate for arterial pressure in the systemic circulation.",
	},
	"openEHR-EHR-OBSERVATION.pulse.v1": {
		ckm:         "https://ckm.openehr.org/ckm/archetypes/1013.1.4295",
		description: "The rate and associated attributes for a pulse or heart beat.",
	},
	"openEHR-EHR-OBSERVATION.pulse.v2": {
		ckm:         "https://ckm.openehr.org/ckm/archetypes/1013.1.4295",
		description: "The rate and associated attributes for a pulse or heart beat.",
	},
	ArchetypeEncounter: {
		ckm:         "https://ckm.openehr.org/ckm/archetypes/1013.1.120",
		description: "Interaction, contact or care event between a subject of care and healthcare provider(s).",
	},
}

const noDescription = "No description available"

// DescribeArchetype parses an archetype id of the form
// "openEHR-EHR-OBSERVATION.blood_pressure.v1" and adds what is known about it.
// Unknown ids still get the parsed concept, model and type.
func DescribeArchetype(id string) ArchetypeInfo {
	info := ArchetypeInfo{
		ArchetypeID:    id,
		Concept:        id,
		Description:    noDescription,
		ReferenceModel: "UNKNOWN",
		Type:           "UNKNOWN",
	}

	parts := strings.Split(id, ".")
	if len(parts) >= 2 {
		info.Concept = parts[len(parts)-2]
	}
	// openEHR-<reference model>-<class>
	if segs := strings.Split(parts[0], "-"); len(segs) == 3 {
		info.ReferenceModel = segs[1]
		info.Type = segs[2]
	}

	if doc, ok := knownArchetypes[id]; ok {
		info.Description = doc.description
		u := doc.ckm
		info.CKMURL = &u
	}
	return info
}
