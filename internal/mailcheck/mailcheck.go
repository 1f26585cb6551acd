// Package mailcheck decides whether an email domain can receive mail by
// looking up its MX records.
package mailcheck

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
)

// Resolver is the subset of *net.Resolver used by Checker.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// DomainChecker reports whether mail sent to domain can be delivered.
// An error is returned only when the check itself could not run to completion
// because ctx ended.
type DomainChecker interface {
	ReceivesMail(ctx context.Context, domain string) (bool, error)
}

type Checker struct {
	resolver Resolver
	logger   *slog.Logger
}

func New(resolver Resolver, logger *slog.Logger) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{resolver: resolver, logger: logger}
}

// ReceivesMail is true when domain publishes at least one usable MX record.
// Lookup failures count as "does not receive mail".
func (c *Checker) ReceivesMail(ctx context.Context, domain string) (bool, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return false, nil
	}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		c.logger.WarnContext(ctx, "mx lookup failed", "domain", domain, "error", err)
		return false, nil
	}

	// A lone "." record is a null MX: the domain explicitly accepts no mail.
	for _, mx := range records {
		if mx != nil && mx.Host != "." && mx.Host != "" {
			return true, nil
		}
	}
	return false, nil
}

// Domain returns the part of address after the last "@".
func Domain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return address[at+1:]
}

// AllowAll accepts every domain. It backs EMAIL_DOMAIN_CHECK=false.
type AllowAll struct{}

func (AllowAll) ReceivesMail(context.Context, string) (bool, error) { return true, nil }
