// Package buffer implements the priority/size discipline described for the
// tracing buffer: enqueue (pump), promotion (mark observed), eviction under
// quota, and head-pop (remove).
//
// # Priority model
//
// Every record starts at DefaultPriority. Once the current dispatch learns
// that its spans matter (the destination collaborator resolves a URL),
// MarkObserved promotes every record this Buffer has inserted so far and
// still holds (records left by earlier processes keep their priority), and
// every record
// inserted from then on is born at ObservedPriority. Eviction under quota
// always takes the lowest-priority, oldest record first, so sustained
// back-pressure sheds the data judged least valuable before anything the
// current dispatch has vouched for.
package buffer
