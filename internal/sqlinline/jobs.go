package sqlinline

const jobColumns = `id, name, prompt, negative_prompt, model, width, height, steps, guidance, seed,
    status, backend_job_id, output_path, error_message, created_at, updated_at, completed_at, duration_ms`

// QEnsureJobSchema is applied in order at startup.
var QEnsureJobSchema = []string{
	`--sql 8d4686d4-7b64-4e76-818b-c046e2c5ca79
create table if not exists generation_jobs (
    id uuid primary key,
    name text not null default '',
    prompt text not null,
    negative_prompt text not null default '',
    model text not null,
    width integer not null,
    height integer not null,
    steps integer not null,
    guidance double precision not null,
    seed integer,
    status text not null,
    backend_job_id text not null default '',
    output_path text not null default '',
    error_message text not null default '',
    created_at timestamptz not null,
    updated_at timestamptz not null,
    completed_at timestamptz,
    duration_ms bigint
);
`,
	`--sql a5978e1c-f6c6-4d9d-a821-ca80365322a6
create index if not exists idx_generation_jobs_status_created
    on generation_jobs (status, created_at);
`,
	`--sql 70cf0d68-15a8-4546-8289-cb55a668a7dd
create unique index if not exists ux_generation_jobs_single_processing
    on generation_jobs (status) where status = 'processing';
`,
}

const QJobInsert = `--sql 97b97131-02fd-43e6-bd58-f877768946de
insert into generation_jobs (` + jobColumns + `)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18);
`

const QJobGet = `--sql 21364396-1e46-449f-aee0-eca602c6d1e9
select ` + jobColumns + `
from generation_jobs
where id = $1;
`

const QJobOldestQueued = `--sql e7e60ce0-2fdc-451c-aacd-274ae34ffdff
select ` + jobColumns + `
from generation_jobs
where status = 'queued'
order by created_at asc, id asc
limit 1;
`

// QJobUpdateIfCurrent is the compare-and-swap primitive: it only matches while
// the stored status equals $2.
const QJobUpdateIfCurrent = `--sql 6b12d27b-a067-4a08-9aec-2f26209fd4de
update generation_jobs
set status = $3,
    backend_job_id = coalesce($4, backend_job_id),
    output_path = coalesce($5, output_path),
    error_message = coalesce($6, error_message),
    completed_at = coalesce($7, completed_at),
    duration_ms = coalesce($8, duration_ms),
    updated_at = $9
where id = $1
  and status = $2;
`

const QJobList = `--sql 2acb3fcc-64a5-42f6-9c2c-37d045d91314
select ` + jobColumns + `
from generation_jobs
where ($3::text is null or status = $3)
order by created_at desc, id desc
offset $1
limit $2;
`

const QJobCountByStatus = `--sql a7bbce28-4bb4-4731-a392-d0335bd0e4dd
select status, count(*)
from generation_jobs
group by status;
`
