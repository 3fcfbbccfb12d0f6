package email

import (
	"fmt"
	"strings"

	"blog-notifier/pkg/blog"
)

const baseStyle = "body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n" +
	".hero { width: 100%; height: auto; border-radius: 6px; margin-bottom: 16px; display: block; }\n" +
	".meta { color: #7f8c8d; font-size: 0.9em; margin-bottom: 12px; }\n" +
	".tag { display: inline-block; background: #f1f3f5; border-radius: 4px; padding: 0 6px; margin-right: 4px; }\n" +
	".content { margin: 15px 0; }\n" +
	".button { display: inline-block; background: #2c7be5; color: #fff !important; padding: 10px 18px; border-radius: 6px; text-decoration: none; }\n" +
	".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.85em; color: #7f8c8d; }\n" +
	".footer a { color: #7f8c8d; text-decoration: underline; margin-right: 8px; }\n" +
	"a { color: #2c7be5; text-decoration: none; }\n" +
	"@media (prefers-color-scheme: dark) {\n" +
	"body { background: #1a1a1a; color: #e0e0e0; }\n" +
	".meta, .footer, .footer a { color: #a0a0a0; }\n" +
	".tag { background: #2a2a2a; }\n" +
	".footer { border-top-color: #444; }\n" +
	"}\n"

// writePage wraps inner content in the shared HTML shell.
func writePage(b *strings.Builder, inner func(b *strings.Builder)) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(baseStyle)
	b.WriteString("</style>\n</head>\n<body>\n")
	inner(b)
	b.WriteString("</body>\n</html>")
}

func (s *Sender) formatPostNotification(job *blog.Job, unsubscribeURL string) string {
	var b strings.Builder
	writePage(&b, func(b *strings.Builder) {
		if job.HeroImageURL != "" && isSafeURL(job.HeroImageURL) {
			b.WriteString(fmt.Sprintf("<img class=\"hero\" src=\"%s\" alt=\"\">\n", escapeHTML(job.HeroImageURL)))
		}
		b.WriteString(fmt.Sprintf("<h2><a href=\"%s\">%s</a></h2>\n", escapeHTML(job.PostURL), escapeHTML(job.Title)))

		var meta []string
		if job.ReadTimeMinutes != nil && *job.ReadTimeMinutes > 0 {
			meta = append(meta, fmt.Sprintf("%d min read", *job.ReadTimeMinutes))
		}
		if len(job.Tags) > 0 {
			var tags strings.Builder
			for _, t := range job.Tags {
				tags.WriteString(fmt.Sprintf("<span class=\"tag\">%s</span>", escapeHTML(t)))
			}
			meta = append(meta, tags.String())
		}
		if len(meta) > 0 {
			b.WriteString("<div class=\"meta\">")
			b.WriteString(strings.Join(meta, " &bull; "))
			b.WriteString("</div>\n")
		}

		if job.Summary != "" {
			// Summaries are authored text and may carry inline markup.
			b.WriteString("<div class=\"content\">\n")
			b.WriteString(sanitizeHTML(job.Summary))
			b.WriteString("\n</div>\n")
		}

		b.WriteString(fmt.Sprintf("<p><a class=\"button\" href=\"%s\">Read the post</a></p>\n", escapeHTML(job.PostURL)))

		b.WriteString("<div class=\"footer\">\n")
		b.WriteString(fmt.Sprintf("You're receiving this because you subscribed to %s.<br>\n", escapeHTML(s.siteName)))
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(unsubscribeURL)))
		b.WriteString("</div>\n")
	})
	return b.String()
}

func (s *Sender) formatConfirmation(confirmURL string) string {
	var b strings.Builder
	writePage(&b, func(b *strings.Builder) {
		b.WriteString("<h2>Confirm your subscription</h2>\n")
		b.WriteString(fmt.Sprintf("<p>Someone (hopefully you) asked to receive new posts from %s at this address.</p>\n", escapeHTML(s.siteName)))
		b.WriteString(fmt.Sprintf("<p><a class=\"button\" href=\"%s\">Confirm subscription</a></p>\n", escapeHTML(confirmURL)))
		b.WriteString("<div class=\"footer\">\n")
		b.WriteString("This link expires in 24 hours. If you didn't ask for this, ignore this email and nothing will happen.\n")
		b.WriteString("</div>\n")
	})
	return b.String()
}

func (s *Sender) formatWelcome(unsubscribeURL string) string {
	var b strings.Builder
	writePage(&b, func(b *strings.Builder) {
		b.WriteString("<h2>You're subscribed</h2>\n")
		b.WriteString(fmt.Sprintf("<p>Thanks for confirming. You'll get an email whenever a new post is published on %s.</p>\n", escapeHTML(s.siteName)))
		b.WriteString("<div class=\"footer\">\n")
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(unsubscribeURL)))
		b.WriteString("</div>\n")
	})
	return b.String()
}

func (s *Sender) formatUnsubscribed() string {
	var b strings.Builder
	writePage(&b, func(b *strings.Builder) {
		b.WriteString("<h2>You've been unsubscribed</h2>\n")
		b.WriteString(fmt.Sprintf("<p>You won't receive any more post notifications from %s.</p>\n", escapeHTML(s.siteName)))
	})
	return b.String()
}

func (s *Sender) formatManageLink(preferencesURL, unsubscribeURL string) string {
	var b strings.Builder
	writePage(&b, func(b *strings.Builder) {
		b.WriteString("<h2>Manage your subscription</h2>\n")
		b.WriteString("<p>Use the link below to choose which topics you hear about.</p>\n")
		b.WriteString(fmt.Sprintf("<p><a class=\"button\" href=\"%s\">Update preferences</a></p>\n", escapeHTML(preferencesURL)))
		b.WriteString("<div class=\"footer\">\n")
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe from everything</a>\n", escapeHTML(unsubscribeURL)))
		b.WriteString("</div>\n")
	})
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
