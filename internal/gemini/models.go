package gemini

import "slices"

const DefaultModel = "gemini-2.5-flash"

var knownModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
}

func Models() []string {
	return slices.Clone(knownModels)
}

func IsKnownModel(id string) bool {
	return slices.Contains(knownModels, id)
}
