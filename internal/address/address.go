// Package address implements the Address entity from the data model: a
// validated, immutable {display_name?, local_part, domain} triple with a
// canonical wire string form. Adapted from the teacher's address validation
// regexes, dropped of its master-token (multi-tenant) extension, which has no
// place in this specification.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

// Conservative RFC 5322-inspired character classes for local-part and domain.
const localPartPattern = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const domainPattern = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe = regexp.MustCompile(localPartPattern)
	domainRe    = regexp.MustCompile(domainPattern)
)

// Address is the immutable {display_name?, local_part, domain} entity.
type Address struct {
	DisplayName string
	LocalPart   string
	Domain      string
}

// Parse validates and parses a bare "local@domain" address, without a
// display name. Header-level display-name decoration is delegated to MFC;
// this only validates the address grammar the engines must check at MAIL
// FROM / RCPT TO time.
func Parse(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, fmt.Errorf("address: empty")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return Address{}, fmt.Errorf("address: contains whitespace: %q", raw)
	}
	at := strings.LastIndexByte(raw, '@')
	if at < 0 {
		return Address{}, fmt.Errorf("address: missing '@': %q", raw)
	}
	local, domain := raw[:at], raw[at+1:]
	if !localPartRe.MatchString(local) {
		return Address{}, fmt.Errorf("address: invalid local-part: %q", local)
	}
	if !domainRe.MatchString(domain) {
		return Address{}, fmt.Errorf("address: invalid domain: %q", domain)
	}
	return Address{LocalPart: local, Domain: domain}, nil
}

// WithDisplayName returns a copy of the address carrying the given display
// name for canonical string rendering.
func (a Address) WithDisplayName(name string) Address {
	a.DisplayName = name
	return a
}

// Bare returns the "local@domain" form without a display name.
func (a Address) Bare() string {
	return a.LocalPart + "@" + a.Domain
}

// String renders the canonical `"name" <local@domain>` form, omitting the
// name and quoting when absent, per the data model's Address entity.
func (a Address) String() string {
	if a.DisplayName == "" {
		return "<" + a.Bare() + ">"
	}
	name := a.DisplayName
	if strings.ContainsAny(name, `",\`) {
		name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	} else {
		name = `"` + name + `"`
	}
	return name + " <" + a.Bare() + ">"
}
