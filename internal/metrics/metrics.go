// Package metrics holds the prometheus collectors of the auth core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	CodesIssued      *prometheus.CounterVec
	CodeVerification *prometheus.CounterVec
	MailFailures     *prometheus.CounterVec
	Registrations    *prometheus.CounterVec
	Logins           *prometheus.CounterVec
}

// New creates the collectors on their own registry so tests never touch
// the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		CodesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadbond_verification_codes_issued_total",
			Help: "Verification code issue attempts by result",
		}, []string{"result"}),
		CodeVerification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadbond_verification_codes_checked_total",
			Help: "Verification code checks by result",
		}, []string{"result"}),
		MailFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadbond_mail_delivery_failures_total",
			Help: "Verification mails that could not be delivered by reason",
		}, []string{"reason"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadbond_registrations_total",
			Help: "Registration attempts by result",
		}, []string{"result"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadbond_logins_total",
			Help: "Login attempts by result",
		}, []string{"result"}),
	}

	reg.MustRegister(m.CodesIssued, m.CodeVerification, m.MailFailures, m.Registrations, m.Logins)

	return m
}
