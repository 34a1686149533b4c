package sqlinline

// SQLite flavour of the job queries. Timestamps are unix milliseconds.

const sqliteJobColumns = `id, name, prompt, negative_prompt, model, width, height, steps, guidance, seed,
    status, backend_job_id, output_path, error_message, created_at, updated_at, completed_at, duration_ms`

var QSQLiteEnsureJobSchema = []string{
	`--sql 234c8535-3098-4263-b65f-1d63f73ec386
create table if not exists generation_jobs (
    id text primary key,
    name text not null default '',
    prompt text not null,
    negative_prompt text not null default '',
    model text not null,
    width integer not null,
    height integer not null,
    steps integer not null,
    guidance real not null,
    seed integer,
    status text not null,
    backend_job_id text not null default '',
    output_path text not null default '',
    error_message text not null default '',
    created_at integer not null,
    updated_at integer not null,
    completed_at integer,
    duration_ms integer
);
`,
	`--sql f676aa82-8bbd-4afb-a04e-33e946542b8f
create index if not exists idx_generation_jobs_status_created
    on generation_jobs (status, created_at);
`,
	`--sql 8f718543-dddd-47b5-9fb3-0dfa2174f0d4
create unique index if not exists ux_generation_jobs_single_processing
    on generation_jobs (status) where status = 'processing';
`,
}

const QSQLiteJobInsert = `--sql 266384d0-56f2-4001-92e6-090b45db9cd0
insert into generation_jobs (` + sqliteJobColumns + `)
values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const QSQLiteJobGet = `--sql 845bc338-dbfb-4095-9615-3485db03ce50
select ` + sqliteJobColumns + `
from generation_jobs
where id = ?;
`

const QSQLiteJobOldestQueued = `--sql 7f6080a5-0240-4faf-96d3-c48e8741ade0
select ` + sqliteJobColumns + `
from generation_jobs
where status = 'queued'
order by created_at asc, rowid asc
limit 1;
`

// QSQLiteClaimJob runs as one statement, so SQLite's single writer makes the
// select-and-update atomic.
const QSQLiteClaimJob = `--sql 3d4619af-edff-4adf-971d-a61996f56b88
update generation_jobs
set status = 'processing', updated_at = ?
where id = (
    select id
    from generation_jobs
    where status = 'queued'
    order by created_at asc, rowid asc
    limit 1
)
  and status = 'queued'
  and not exists (select 1 from generation_jobs where status = 'processing')
returning ` + sqliteJobColumns + `;
`

const QSQLiteJobUpdateIfCurrent = `--sql 66bc999d-417c-4636-a32c-111904908a18
update generation_jobs
set status = ?,
    backend_job_id = coalesce(?, backend_job_id),
    output_path = coalesce(?, output_path),
    error_message = coalesce(?, error_message),
    completed_at = coalesce(?, completed_at),
    duration_ms = coalesce(?, duration_ms),
    updated_at = ?
where id = ?
  and status = ?;
`

const QSQLiteJobList = `--sql 9356625c-63ca-446e-9294-48880c2a0fa4
select ` + sqliteJobColumns + `
from generation_jobs
where (? is null or status = ?)
order by created_at desc, rowid desc
limit ? offset ?;
`

const QSQLiteJobCountByStatus = `--sql 7bd25962-869f-45a5-b21d-dee21ffef56f
select status, count(*)
from generation_jobs
group by status;
`

const QSQLiteFailStale = `--sql 0a53f295-f3b1-47aa-99df-13a9a0402bdc
update generation_jobs
set status = 'failed', error_message = ?, updated_at = ?
where status = 'processing'
  and updated_at < ?;
`
