package testutil

import (
	"github.com/schaermu/paksyncd/internal/model"
)

// AppRef builds an application ref installed from flathub
func AppRef(id, commit string) model.Ref {
	return model.Ref{
		Kind:   model.KindApp,
		Ref:    "app/" + id + "/x86_64/stable",
		ID:     id,
		Arch:   "x86_64",
		Branch: "stable",
		Commit: commit,
		Origin: "flathub",
	}
}

// RuntimeRef builds a runtime ref installed from flathub
func RuntimeRef(id, branch, commit string) model.Ref {
	return model.Ref{
		Kind:   model.KindRuntime,
		Ref:    "runtime/" + id + "/x86_64/" + branch,
		ID:     id,
		Arch:   "x86_64",
		Branch: branch,
		Commit: commit,
		Origin: "flathub",
	}
}

// Flathub returns the flathub repository definition
func Flathub() model.Remote {
	return model.Remote{
		Type:      model.RemoteStatic,
		Name:      "flathub",
		Title:     model.Str("Flathub"),
		URL:       model.Str("https://dl.flathub.org/repo/"),
		GPGVerify: true,
		Prio:      1,
	}
}

// UserInstallation builds an installation map with a single user scope
func UserInstallation(refs []model.Ref, remotes ...model.Remote) model.InstallationMap {
	return model.InstallationMap{
		model.ScopeUser: {
			ID:          "user",
			Path:        "/home/test/.local/share/flatpak",
			StorageType: model.StorageDefault,
			Refs:        refs,
			Remotes:     remotes,
		},
	}
}
