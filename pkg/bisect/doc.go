/*
Package bisect drives an automated search for the commit that introduced a
regression. Candidate revisions are materialized in isolated workspaces and judged
by an external test procedure; the commit-selection search itself is delegated to
git's native bisect machinery.

A search is most easily configured by passing a yaml job config to
[GetJobFromConfig], but a [Job] struct can also be populated manually. At least the
following fields have to be set for a job to work:
  - Repository
  - GoodRef & BadRef
  - TestScript

After a job struct was acquired, [Job.Prepare] validates the configuration and
resolves the bisection range, and [Runner.Run] drives the search to a terminal
state. The returned [Result] either names the culprit commit or the condition that
made further searching meaningless.

The test procedure is invoked with two positional arguments, the revision under
test and the absolute path of the prepared workspace, and communicates its verdict
solely through its exit status: 0 means good, 125 means the revision cannot be
judged, 128 and above abort the whole search, and everything else means bad.

When a state file is configured, the session is persisted after every verdict, so
an interrupted search can be resumed with [Job.ResumeFrom] and continues from the
last recorded verdict.
*/
package bisect
