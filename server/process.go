// Rewriting of relayed message bodies: the copy posted to a dist channel
// carries the origin channel as a prefix and must not re-trigger the
// mentions contained in the original.

package main

import (
	"regexp"

	t "github.com/tagmux/relay/server/store/types"
)

var mentionRe = regexp.MustCompile(`<@([A-Z0-9]+)>`)

// defuseMentions rewrites <@U...> mention markup into plain text so the
// relayed copy does not ping the mentioned users again.
func defuseMentions(text string) string {
	return mentionRe.ReplaceAllString(text, "@$1")
}

// rewriteForRelay produces the body of the relayed copy: a backquoted
// origin channel reference followed by the defused original text.
func rewriteForRelay(text string, from t.ChannelID) string {
	return " `<#" + string(from) + ">` " + defuseMentions(text)
}
