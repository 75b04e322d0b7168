// Package tlsupgrade is the core decision engine of an HTTPS-upgrade
// library: given a ruleset index and a URL, it decides whether to leave a
// request alone, rewrite it to HTTPS, or cancel it outright, and whether a
// cookie should be marked Secure.
package tlsupgrade

import "github.com/getlantern/golog"

var log = golog.LoggerFor("tlsupgrade")
