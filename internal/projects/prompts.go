package projects

import "fmt"

const (
	enhanceInstruction = "Enhance website prompt clearly. Expand the request into a precise description of " +
		"the page sections, content, layout and visual style. Reply with the description only."

	synthesizeInstruction = "You are a web developer. Return ONLY valid HTML: one complete, self-contained " +
		"document starting with <!DOCTYPE html>. Use Tailwind CSS from its CDN for styling and inline any " +
		"scripts. Do not wrap the answer in markdown and do not add explanations."

	reviseInstruction = "You are a web developer updating an existing website. Return ONLY valid HTML: the " +
		"full updated document, not a fragment or a diff. Keep the existing styling approach and structure " +
		"unless the request asks otherwise. Do not wrap the answer in markdown and do not add explanations."
)

func revisionContent(currentCode, request string) string {
	return fmt.Sprintf("Current website code:\n%s\n\nRequested changes:\n%s", currentCode, request)
}
