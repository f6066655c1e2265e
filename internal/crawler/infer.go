package crawler

import (
	"net/url"
	"strings"
)

// segmentTypes maps provider path segments to the document type of the
// resource they address. The deepest recognised segment wins.
var segmentTypes = map[string]DocumentType{
	"franchises":   DocumentFranchise,
	"venues":       DocumentVenue,
	"athletes":     DocumentAthlete,
	"coaches":      DocumentCoach,
	"positions":    DocumentPosition,
	"groups":       DocumentGroupBySeason,
	"standings":    DocumentStandings,
	"types":        DocumentSeasonType,
	"weeks":        DocumentSeasonTypeWeek,
	"events":       DocumentEvent,
	"competitions": DocumentEventCompetition,
	"drives":       DocumentEventCompetitionDrive,
	"plays":        DocumentEventCompetitionPlay,
	"record":       DocumentTeamRecord,
	"records":      DocumentTeamRecord,
	"seasons":      DocumentSeason,
	"teams":        DocumentTeamBySeason,
}

// InferDocumentType guesses the document type of a child reference from its
// URL path. Season-scoped athletes and coaches get their BySeason variants.
// It falls back to the parent's type when nothing in the path is recognised.
func InferDocumentType(parent DocumentType, ref string) DocumentType {
	u, err := url.Parse(ref)
	if err != nil {
		return parent
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	underSeason := false
	inferred := DocumentType("")
	for i, seg := range segments {
		seg = strings.ToLower(seg)
		dt, ok := segmentTypes[seg]
		if !ok {
			continue
		}
		if seg == "seasons" {
			underSeason = true
			// A bare /seasons/{year} is a Season; deeper paths refine it.
			if i+2 >= len(segments) {
				inferred = DocumentSeason
			}
			continue
		}
		if seg == "teams" && !underSeason {
			dt = DocumentFranchise
		}
		inferred = dt
	}
	switch {
	case inferred == "":
		return parent
	case underSeason && inferred == DocumentAthlete:
		return DocumentAthleteBySeason
	case underSeason && inferred == DocumentCoach:
		return DocumentCoachBySeason
	default:
		return inferred
	}
}

// Allows reports whether the allow-list admits documentType. An empty
// allow-list admits everything.
func Allows(allowList []DocumentType, documentType DocumentType) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, dt := range allowList {
		if dt == documentType {
			return true
		}
	}
	return false
}
