package roles

import (
	"fmt"
	"sort"
	"sync"
)

// Field describes one profile field accepted at registration and on profile
// updates. Rules use go-playground/validator tag syntax.
type Field struct {
	Name  string
	Rules string
}

// Descriptor parametrizes the account lifecycle for one role-collection.
type Descriptor struct {
	// Name is the role identifier carried in access tokens ("student", ...).
	Name string
	// Collection is the table/collection holding this role's accounts.
	Collection string
	// Path is the URL segment the role is mounted under.
	Path string
	// Fields are the role's profile fields; all are updatable.
	Fields []Field
	// UniqueKey names the role's second unique field, empty when none.
	UniqueKey      string
	UniqueKeyRules string
	// ClaimFields are profile fields (or "email", or the unique key name)
	// copied into access token claims.
	ClaimFields []string
	// ClearVerifiedOnLogout resets isVerified when the session ends.
	ClearVerifiedOnLogout bool
}

var (
	Student = &Descriptor{
		Name:       "student",
		Collection: "students",
		Path:       "students",
		Fields: []Field{
			{Name: "username", Rules: "required,min=2,max=64"},
		},
		ClaimFields:           []string{"email", "username"},
		ClearVerifiedOnLogout: true,
	}

	Trainer = &Descriptor{
		Name:       "trainer",
		Collection: "trainers",
		Path:       "trainers",
		Fields: []Field{
			{Name: "username", Rules: "required,min=2,max=64"},
			{Name: "subjectname", Rules: "required,max=128"},
		},
		UniqueKey:      "uniqueCode",
		UniqueKeyRules: "required,alphanum,min=4,max=32",
		ClaimFields:    []string{"email", "subjectname"},
	}

	Admin = &Descriptor{
		Name:       "admin",
		Collection: "admins",
		Path:       "admins",
		Fields: []Field{
			{Name: "name", Rules: "required,min=2,max=128"},
		},
		UniqueKey:             "role",
		UniqueKeyRules:        "required,oneof=admin",
		ClaimFields:           []string{"email", "role"},
		ClearVerifiedOnLogout: true,
	}
)

type Registry struct {
	mu    sync.RWMutex
	roles map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		roles: make(map[string]*Descriptor),
	}
}

// Default returns a registry holding the student, trainer and admin roles.
func Default() *Registry {
	r := NewRegistry()
	for _, d := range []*Descriptor{Student, Trainer, Admin} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(d *Descriptor) error {
	if d.Name == "" || d.Collection == "" {
		return fmt.Errorf("role descriptor requires name and collection")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[d.Name]; ok {
		return fmt.Errorf("role %q already registered", d.Name)
	}
	r.roles[d.Name] = d
	return nil
}

func (r *Registry) Get(name string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[name]
}

// All returns the descriptors sorted by name.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Descriptor, 0, len(r.roles))
	for _, d := range r.roles {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
