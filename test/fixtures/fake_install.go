// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"os"
	"path/filepath"
)

// FakeScannerScript mimics clamscan: one verdict per file, files containing
// "EICAR" are reported FOUND and moved when --move is given, then a summary block.
const FakeScannerScript = `#!/bin/sh
move=""
target=""
while [ $# -gt 0 ]; do
  case "$1" in
    --move) move="$2"; shift 2 ;;
    --database) shift 2 ;;
    -*) shift ;;
    *) target="$1"; shift ;;
  esac
done
if [ ! -e "$target" ]; then
  echo "ERROR: Can't access file $target" >&2
  exit 2
fi
infected=0
scanned=0
IFS='
'
for f in $(find "$target" -type f); do
  scanned=$((scanned+1))
  if grep -q EICAR "$f"; then
    infected=$((infected+1))
    echo "$f: Eicar-Test-Signature FOUND"
    if [ -n "$move" ]; then
      mv "$f" "$move/"
      echo "$f: moved to '$move/$(basename "$f")'"
    fi
  else
    echo "$f: OK"
  fi
done
echo "WARNING: fake engine in use" >&2
echo ""
echo "----------- SCAN SUMMARY -----------"
echo "Known viruses: 8700000"
echo "Engine version: 1.4.1"
echo "Scanned directories: 1"
echo "Scanned files: $scanned"
echo "Infected files: $infected"
echo "Time: 0.010 sec (0 m 0 s)"
if [ $infected -gt 0 ]; then
  exit 1
fi
exit 0
`

// FakeUpdaterScript mimics a successful freshclam run.
const FakeUpdaterScript = `#!/bin/sh
echo "ClamAV update process started"
echo "daily.cvd database is up-to-date (version: 27400, sigs: 2070000, f-level: 90, builder: raynman)"
echo "main.cvd database is up-to-date (version: 62, sigs: 6647427, f-level: 90, builder: sigmgr)"
exit 0
`

// SleepingDaemonScript stays alive without listening, like a clamd still loading signatures.
const SleepingDaemonScript = "#!/bin/sh\nexec sleep 60\n"

// FakeInstall creates a directory that looks like a ClamAV installation,
// with shell scripts standing in for the binaries.
type FakeInstall struct {
	Dir string
}

// NewFakeInstall creates a new fake installation generator.
func NewFakeInstall(dir string) *FakeInstall {
	return &FakeInstall{Dir: dir}
}

// Create writes the scanner, updater and database directory.
func (f *FakeInstall) Create() error {
	if err := os.MkdirAll(filepath.Join(f.Dir, "database"), 0755); err != nil {
		return err
	}
	if err := f.WriteScanner(FakeScannerScript); err != nil {
		return err
	}
	return f.WriteUpdater(FakeUpdaterScript)
}

// WriteScanner replaces the clamscan script.
func (f *FakeInstall) WriteScanner(script string) error {
	return f.writeExecutable("clamscan", script)
}

// WriteUpdater replaces the freshclam script.
func (f *FakeInstall) WriteUpdater(script string) error {
	return f.writeExecutable("freshclam", script)
}

// WriteDaemon installs a clamd script.
func (f *FakeInstall) WriteDaemon(script string) error {
	return f.writeExecutable("clamd", script)
}

// PlantInfected writes a file the fake scanner reports as infected.
func (f *FakeInstall) PlantInfected(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("X5O!P%@AP EICAR-STANDARD-ANTIVIRUS-TEST-FILE"), 0644)
}

// PlantClean writes a harmless file.
func (f *FakeInstall) PlantClean(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("hello"), 0644)
}

func (f *FakeInstall) writeExecutable(name, script string) error {
	return os.WriteFile(filepath.Join(f.Dir, name), []byte(script), 0755)
}
