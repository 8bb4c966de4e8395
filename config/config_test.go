package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/sabouaram/g3forward/logging"
	"github.com/sabouaram/g3forward/user"
)

const testYAML = `
listeners:
  - name: main
    network: tcp
    address: "0.0.0.0:3128"
users:
  - group: default
    name: alice
    password: secret
    request_rate_per_sec: 10
    request_rate_burst: 20
    alive_max: 5
    allowed_nets:
      - "10.0.0.0/8"
`

func newManagerForTest(yamlBody string) *Manager {
	v := viper.New()
	v.SetConfigType("yaml")
	_ = v.ReadConfig(bytes.NewBufferString(yamlBody))
	return &Manager{v: v, logger: logging.Discard(), users: make(map[string]*user.User)}
}

func TestLoadPopulatesUsersAndListeners(t *testing.T) {
	m := newManagerForTest(testYAML)

	if err := m.load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := m.Settings()
	if len(s.Listeners) != 1 || s.Listeners[0].Address != "0.0.0.0:3128" {
		t.Fatalf("got listeners %+v", s.Listeners)
	}

	u, ok := m.User("default", "alice")
	if !ok {
		t.Fatal("expected user default/alice to be registered")
	}
	if u.Config().Password != "secret" {
		t.Fatalf("got password %q", u.Config().Password)
	}
	if u.Config().IngressNet == nil {
		t.Fatal("expected an ingress net rule to be built")
	}
}

// TestReloadPreservesSameUserInstance matches spec §4.D: reloading
// mutates the existing user.User in place rather than replacing the
// registry entry, so in-flight Context handles stay valid.
func TestReloadPreservesSameUserInstance(t *testing.T) {
	m := newManagerForTest(testYAML)
	if err := m.load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u1, _ := m.User("default", "alice")

	if err := m.load(); err != nil {
		t.Fatalf("unexpected error on second load: %v", err)
	}
	u2, _ := m.User("default", "alice")
	if u1 != u2 {
		t.Fatal("expected the same *user.User instance to be reused across a reload")
	}
}

func TestReloadDropsRemovedUsers(t *testing.T) {
	m := newManagerForTest(testYAML)
	if err := m.load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.User("default", "alice"); !ok {
		t.Fatal("expected alice to be present before the second load")
	}

	m.mu.Lock()
	m.reloadUsersLocked(nil, time.Now())
	m.mu.Unlock()

	if _, ok := m.User("default", "alice"); ok {
		t.Fatal("expected alice to be dropped once absent from the reloaded settings")
	}
}
