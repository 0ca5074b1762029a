package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/jrsteele09/go-bitbucket-auth/internal/result"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
)

func printBanner(w io.Writer, appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	fmt.Fprintln(w, myFigure.String())
}

func printSession(w io.Writer, s *sessions.UserSession, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("SESSION"), text.FgHiCyan.Sprint("VALUE")})

	tokenExpiry := "unknown"
	if s.Token.HasExpiry() {
		tokenExpiry = fmt.Sprintf("%s (in %s)", s.Token.ExpiresAt.Format(time.RFC3339), s.Token.ExpiresIn(now).Round(time.Second))
	}
	t.AppendRows([]table.Row{
		{"ID", s.ID},
		{"User", s.UserID},
		{"Name", s.UserName},
		{"Expires", s.ExpiresAt.Format(time.RFC3339)},
		{"Token expires", tokenExpiry},
		{"Refreshable", s.Token.CanRefresh()},
		{"Scopes", strings.Join(s.Token.Scopes, " ")},
	})
	t.Render()
}

func printFailure(w io.Writer, err error) {
	e := result.FromError(err)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgRed.Sprint("ERROR"), text.FgRed.Sprint("VALUE")})
	t.AppendRows([]table.Row{
		{"Code", e.Code},
		{"Message", e.Message},
		{"Recoverable", e.Recoverable},
	})
	if e.Guidance != "" {
		t.AppendRow(table.Row{"Guidance", e.Guidance})
	}
	t.Render()
}
