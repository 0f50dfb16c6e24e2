package apply

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/paksyncd/internal/diff"
	"github.com/schaermu/paksyncd/internal/model"
	"github.com/schaermu/paksyncd/internal/testutil"
)

func TestApply_Converges(t *testing.T) {
	local := testutil.UserInstallation(
		[]model.Ref{testutil.AppRef("org.example.X", "v1"), testutil.AppRef("org.example.Old", "o1")},
		testutil.Flathub(),
	)
	gnome := model.Remote{Type: model.RemoteStatic, Name: "gnome", URL: model.Str("https://nightly.gnome.org/repo/"), GPGVerify: true}
	target := testutil.UserInstallation(
		[]model.Ref{testutil.AppRef("org.example.X", "v2"), testutil.AppRef("org.example.New", "n1")},
		testutil.Flathub(), gnome,
	)

	pm := testutil.NewFlatpak(local)
	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), target)

	require.NoError(t, report.Err())
	require.Len(t, report, 1)
	res := report[0]
	require.Equal(t, []string{"gnome"}, res.RemotesAdded)
	require.Equal(t, []string{"app/org.example.New/x86_64/stable"}, res.Installed)
	require.Equal(t, []string{"app/org.example.X/x86_64/stable"}, res.Updated)
	require.Equal(t, []string{"app/org.example.Old/x86_64/stable"}, res.Uninstalled)
	require.True(t, res.Changed())

	require.True(t, diff.Compute(target, pm.Snapshot()).Empty(), "live state should match target")
}

func TestApply_Order(t *testing.T) {
	local := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.Old", "o1")})
	gnome := model.Remote{Type: model.RemoteStatic, Name: "gnome", URL: model.Str("https://nightly.gnome.org/repo/")}
	target := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.New", "n1")}, gnome)

	pm := testutil.NewFlatpak(local)
	New(pm, testutil.Logger(), Options{}).Apply(context.Background(), target)

	want := []string{
		"remote-add user gnome gpg=false",
		"refresh user gnome",
		"install user app/org.example.New/x86_64/stable",
		"update user app/org.example.New/x86_64/stable n1",
		"uninstall user app/org.example.Old/x86_64/stable",
	}
	if d := cmp.Diff(want, pm.CallLog()); d != "" {
		t.Errorf("unexpected calls (-want +got):\n%s", d)
	}
}

func TestApply_DisableGPGVerify(t *testing.T) {
	target := testutil.UserInstallation(nil, testutil.Flathub())
	pm := testutil.NewFlatpak(nil)

	New(pm, testutil.Logger(), Options{DisableGPGVerify: true}).Apply(context.Background(), target)
	require.Equal(t, []string{"remote-add user flathub gpg=false", "refresh user flathub"}, pm.CallLog())

	pm = testutil.NewFlatpak(nil)
	New(pm, testutil.Logger(), Options{}).Apply(context.Background(), target)
	require.Equal(t, "remote-add user flathub gpg=true", pm.CallLog()[0])
}

func TestApply_SkipsLocalRepositories(t *testing.T) {
	local := model.Remote{Type: model.RemoteStatic, Name: "usb", URL: model.Str("file:///run/media/usb/repo")}
	pm := testutil.NewFlatpak(nil)

	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), testutil.UserInstallation(nil, local))
	require.Empty(t, pm.CallLog())
	require.Equal(t, []string{"usb"}, report[0].Skipped)
}

func TestApply_ContinuesAfterFailure(t *testing.T) {
	target := testutil.UserInstallation([]model.Ref{
		testutil.AppRef("org.example.A", "a1"),
		testutil.AppRef("org.example.B", "b1"),
	})
	pm := testutil.NewFlatpak(nil)
	pm.InstallErr = map[string]error{"app/org.example.A/x86_64/stable": errors.New("network down")}

	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), target)
	require.Error(t, report.Err())
	failures := report.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, OpInstall, failures[0].Op)
	require.Equal(t, []string{"app/org.example.B/x86_64/stable"}, report[0].Installed)
}

func TestApply_PinFailureKeepsLatest(t *testing.T) {
	ref := testutil.AppRef("org.example.A", "old-commit")
	pm := testutil.NewFlatpak(nil)
	pm.LatestCommits = map[string]string{ref.Ref: "latest"}
	pm.UpdateErr = map[string]error{ref.Ref: errors.New("commit not found")}

	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), testutil.UserInstallation([]model.Ref{ref}))
	require.NoError(t, report.Err())
	require.Equal(t, []string{ref.Ref}, report[0].Installed)
	require.Equal(t, "latest", pm.Snapshot()[model.ScopeUser].Refs[0].Commit)
}

func TestApply_RemoteFailureStillInstalls(t *testing.T) {
	target := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.A", "a1")}, testutil.Flathub())
	pm := testutil.NewFlatpak(nil)
	pm.AddRemoteErr = map[string]error{"flathub": errors.New("boom")}
	pm.RefreshErr = map[string]error{"flathub": errors.New("unused")}

	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), target)
	require.Len(t, report.Failures(), 1)
	require.Equal(t, OpAddRemote, report.Failures()[0].Op)
	require.Equal(t, []string{"app/org.example.A/x86_64/stable"}, report[0].Installed)
}

func TestApply_RefreshFailureIsNotFatal(t *testing.T) {
	pm := testutil.NewFlatpak(nil)
	pm.RefreshErr = map[string]error{"flathub": errors.New("offline")}

	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), testutil.UserInstallation(nil, testutil.Flathub()))
	require.NoError(t, report.Err())
	require.Equal(t, []string{"flathub"}, report[0].RemotesAdded)
}

func TestApply_Idempotent(t *testing.T) {
	target := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.A", "a1")}, testutil.Flathub())
	pm := testutil.NewFlatpak(target)

	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), target)
	require.NoError(t, report.Err())
	require.False(t, report[0].Changed())
	require.Empty(t, pm.CallLog())
}

func TestApply_LeavesOtherScopesAlone(t *testing.T) {
	local := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.A", "a1")})
	local[model.ScopeSystem] = &model.Installation{ID: "default", Refs: []model.Ref{testutil.AppRef("org.example.Sys", "s1")}}
	pm := testutil.NewFlatpak(local)

	target := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.A", "a1")})
	New(pm, testutil.Logger(), Options{}).Apply(context.Background(), target)

	require.Len(t, pm.Snapshot()[model.ScopeSystem].Refs, 1)
}

func TestApply_QueryFailure(t *testing.T) {
	pm := testutil.NewFlatpak(nil)
	pm.QueryErr = errors.New("flatpak missing")

	report := New(pm, testutil.Logger(), Options{}).Apply(context.Background(), testutil.UserInstallation(nil))
	require.Len(t, report.Failures(), 1)
	require.Equal(t, OpQuery, report.Failures()[0].Op)
}
