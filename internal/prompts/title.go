package prompts

import "fmt"

// titleTemplate asks for a thread title. The format verbs are the first
// user message and the first response.
const titleTemplate = `Write a title for this conversation, like an email subject line.
Use at most 8 words. Reply with the title only: no quotes, no punctuation
at the end, no explanation.

User:
%s

Assistant:
%s

Title:`

// TitlePrompt returns the prompt that derives a thread title from its
// first exchange.
func TitlePrompt(userMsg, response string) string {
	return fmt.Sprintf(titleTemplate, userMsg, response)
}
