package sqlinline

// QWorkerClaimJob moves the oldest queued job to processing. The NOT EXISTS
// guard keeps a single processing job; ux_generation_jobs_single_processing
// turns a concurrent double claim into a unique violation.
const QWorkerClaimJob = `--sql 4f55a9b7-4e9f-4e45-a3b3-5a532d21d9db
with next_job as (
    select id
    from generation_jobs
    where status = 'queued'
      and not exists (select 1 from generation_jobs where status = 'processing')
    order by created_at asc, id asc
    limit 1
    for update skip locked
)
update generation_jobs
set status = 'processing', updated_at = $1
where id in (select id from next_job)
  and status = 'queued'
returning ` + jobColumns + `;
`

// QWorkerFailStale fails processing jobs whose worker stopped updating them.
const QWorkerFailStale = `--sql 463dea57-7a45-450e-a53f-a10a920f1127
update generation_jobs
set status = 'failed', error_message = $2, updated_at = $3
where status = 'processing'
  and updated_at < $1;
`
