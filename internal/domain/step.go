package domain

import "fmt"

type StepKind string

const (
	StepCheckout         StepKind = "checkout"
	StepMove             StepKind = "move"
	StepInstallToolchain StepKind = "install_toolchain"
	StepCache            StepKind = "cache"
	StepRun              StepKind = "run"
)

// Step is a closed set of the five step descriptors. Consumers switch on the
// concrete type.
type Step interface {
	Kind() StepKind
	Title() string
	isStep()
}

type CheckoutStep struct {
	Name string
	Repo RepoRef
	Path string
}

type MoveStep struct {
	Name string
	From string
	To   string
}

type InstallToolchainStep struct {
	Name    string
	Channel string
}

type CacheStep struct {
	Name string
	Key  string
}

type RunStep struct {
	Name    string
	Command string
}

func (CheckoutStep) Kind() StepKind         { return StepCheckout }
func (MoveStep) Kind() StepKind             { return StepMove }
func (InstallToolchainStep) Kind() StepKind { return StepInstallToolchain }
func (CacheStep) Kind() StepKind            { return StepCache }
func (RunStep) Kind() StepKind              { return StepRun }

func (CheckoutStep) isStep()         {}
func (MoveStep) isStep()             {}
func (InstallToolchainStep) isStep() {}
func (CacheStep) isStep()            {}
func (RunStep) isStep()              {}

func (s CheckoutStep) Title() string {
	return titleOr(s.Name, fmt.Sprintf("checkout %s -> %s", s.Repo.URL, s.Path))
}

func (s MoveStep) Title() string {
	return titleOr(s.Name, fmt.Sprintf("move %s -> %s", s.From, s.To))
}

func (s InstallToolchainStep) Title() string {
	return titleOr(s.Name, "install toolchain "+s.Channel)
}

func (s CacheStep) Title() string {
	return titleOr(s.Name, "cache "+s.Key)
}

func (s RunStep) Title() string {
	return titleOr(s.Name, "run "+s.Command)
}

func titleOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
